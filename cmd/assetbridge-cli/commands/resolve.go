package commands

import (
	"github.com/spf13/cobra"
)

func newResolveCmd(g *GlobalOptions) *cobra.Command {
	var mediaType string

	cmd := &cobra.Command{
		Use:   "resolve <reference>",
		Short: "Resolve a logical media reference to a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, comps, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			return printResult(cmd, g.Output, comps.Resolver.Resolve(cmd.Context(), args[0], mediaType))
		},
	}

	cmd.Flags().StringVarP(&mediaType, "type", "t", "", "Media type of the reference")

	return cmd
}
