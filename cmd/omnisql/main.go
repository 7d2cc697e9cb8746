// Command omnisql runs the federated SQL query service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
)

func main() {
	root := &cobra.Command{
		Use:           "omnisql",
		Short:         "Federated SQL over SaaS APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newSourcesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "omnisql: %v\n", err)
		os.Exit(1)
	}
}
