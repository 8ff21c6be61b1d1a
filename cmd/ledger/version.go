package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/pkg/ledger"
)

const modulePath = "github.com/mesh-intelligence/ledger"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledger version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ledger v%s\nmodule: %s\n", ledger.Version, modulePath)
			return nil
		},
	}
}
