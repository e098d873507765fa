package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"fleetbot/internal/app"
	"fleetbot/internal/pipeline"
)

func newRunOnceCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "run-once <tenant> <slot>",
		Short: "Log in and run one slot pipeline for a tenant, then exit",
		Long: `run-once runs a single slot pipeline outside the schedule. The tenant's
enabled flag is ignored. Unknown slot names run a post-and-refresh pipeline.`,
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := withSignals(c.Context())
			defer cancel()

			tool, err := app.NewTool(*cfgPath)
			if err != nil {
				return err
			}
			defer tool.Close()

			rep, err := tool.RunOnce(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(out, "%s %s run=%s took=%s\n", rep.Tenant, rep.Slot, rep.RunID, rep.Duration)
			for _, st := range rep.Steps {
				line := fmt.Sprintf("  %-8s %-16s count=%d", st.Step, st.Outcome, st.Count)
				if st.Detail != "" {
					line += " " + st.Detail
				}
				if st.Error != "" {
					line += " err=" + st.Error
				}
				fmt.Fprintln(out, line)
			}
			if n := rep.Count(pipeline.Failed); n > 0 {
				return fmt.Errorf("%d step(s) failed", n)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return c
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <tenant>",
		Short: "Log in as a tenant and print its profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := withSignals(c.Context())
			defer cancel()

			tool, err := app.NewTool(*cfgPath)
			if err != nil {
				return err
			}
			defer tool.Close()

			p, err := tool.Check(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "@%s (%s) followers=%d following=%d\n",
				p.Username, p.Name, p.Followers, p.Following)
			return nil
		},
	}
}
