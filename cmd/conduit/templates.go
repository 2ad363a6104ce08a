package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/conduit/internal/simulator"
)

func (a *app) templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the process templates used by the simulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sim, err := simulator.New(a.logger)
			if err != nil {
				return err
			}
			defer sim.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTEPS\tAGENTS")
			for _, name := range sim.Templates() {
				t, _ := sim.Template(name)
				agents := make([]string, 0, len(t.Steps))
				for _, s := range t.Steps {
					agents = append(agents, s.Agent)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, len(t.Steps), strings.Join(agents, ","))
			}
			return tw.Flush()
		},
	}
}
