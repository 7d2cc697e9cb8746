package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/orchestrator"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

func newQueryCmd() *cobra.Command {
	var (
		user         string
		tenant       string
		role         string
		team         string
		capabilities []string
		maxStaleness int64
		deadlineMS   int64
	)
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run one federated query against the local manifests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(flagConfig)
			if err != nil {
				return err
			}
			defer s.close()

			resp, err := s.orchestrator.Execute(context.Background(), orchestrator.Request{
				SQL: strings.TrimSpace(args[0]),
				Principal: types.Principal{
					UserID:       user,
					TenantID:     tenant,
					Role:         role,
					TeamID:       team,
					Capabilities: capabilities,
				},
				MaxStalenessMS: maxStaleness,
				DeadlineMS:     deadlineMS,
			})
			if err != nil {
				payload, _ := json.MarshalIndent(orchestrator.ShapeError(err, ""), "", "  ")
				fmt.Fprintln(os.Stderr, string(payload))
				return fmt.Errorf("query failed")
			}

			payload, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode response: %w", err)
			}
			fmt.Println(string(payload))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "dev", "principal user id")
	cmd.Flags().StringVar(&tenant, "tenant", "dev", "principal tenant id")
	cmd.Flags().StringVar(&role, "role", "analyst", "principal role")
	cmd.Flags().StringVar(&team, "team", "", "principal team id")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "principal capability tags")
	cmd.Flags().Int64Var(&maxStaleness, "max-staleness-ms", 60000, "cache staleness tolerance (0 bypasses cache)")
	cmd.Flags().Int64Var(&deadlineMS, "deadline-ms", 0, "query deadline (0 uses the configured default)")
	return cmd
}
