package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/fapgate/internal/version"
)

func newVersionCommand() *cobra.Command {
	var product bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the fapgate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if product {
				major, minor := version.Product()
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d.%d\n", major, minor)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&product, "product", false, "print the product version advertised in handshakes")
	return cmd
}
