package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
)

func SetVersion(version, commit string) {
	appVersion, appCommit = version, commit
}

// NewRootCmd builds the command tree. Each call returns a fresh tree so
// tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "fleetbot",
		Short: "Run scheduled engagement pipelines for a fleet of social accounts",
		Long: `fleetbot supervises one worker per enabled account in accounts.yaml.
Each worker logs in, then runs its morning/afternoon/evening pipelines
(post, like, follow, reply, summary) under per-account rate limits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newRunOnceCmd(&cfgPath),
		newCheckCmd(&cfgPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(c *cobra.Command, _ []string) {
				fmt.Fprintf(c.OutOrStdout(), "fleetbot %s (%s)\n", appVersion, appCommit)
			},
		},
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}
