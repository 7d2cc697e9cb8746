package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and their tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(flagConfig)
			if err != nil {
				return err
			}
			defer s.close()

			for _, name := range s.registry.Sources() {
				conn, _ := s.registry.Lookup(name)
				desc := conn.Describe()
				fmt.Printf("%s (capacity %.0f, refill %.2f/s, hard cap %s)\n",
					name, desc.RateCapacity, desc.RefillPerSecond, desc.HardStalenessCap)
				for tableName, table := range desc.Tables {
					cols := make([]string, len(table.Columns))
					for i, c := range table.Columns {
						cols[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
					}
					fmt.Printf("  %s(%s)\n", tableName, strings.Join(cols, ", "))
					if len(table.PushableFilters) > 0 {
						fmt.Printf("    pushable: %s\n", strings.Join(table.PushableFilters, ", "))
					}
				}
			}
			return nil
		},
	}
}
