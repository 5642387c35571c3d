package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cli carries the global flags and the lazily built app of one invocation.
type cli struct {
	opts appOptions
	in   io.Reader
	app  *app
}

// load builds the app on first use.
func (c *cli) load(cmd *cobra.Command) (*app, error) {
	if c.app != nil {
		return c.app, nil
	}
	c.opts.out = cmd.OutOrStdout()
	c.opts.errOut = cmd.ErrOrStderr()
	a, err := newApp(cmd.Context(), c.opts)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) shutdown(ctx context.Context) {
	if c.app == nil {
		return
	}
	if err := c.app.close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down cleanly")
	}
	c.app = nil
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	c := &cli{in: os.Stdin}
	rootCmd := newRootCommand(c, version, commit, buildDate)
	defer c.shutdown(context.WithoutCancel(ctx))
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(c *cli, version, commit, buildDate string) *cobra.Command {
	c.opts.version = version

	rootCmd := &cobra.Command{
		Use:   "cloudypad",
		Short: "Cloudy Pad - cloud gaming instances you own",
		Long: `Cloudy Pad deploys and operates your own cloud gaming instances.

An instance goes through provision (cloud resources), configure (drivers and
the streaming server) and then start / stop cycles. Its state is kept in
${CLOUDYPAD_HOME}/instances/<name>/state.yml or in an S3 bucket.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&c.opts.home, "home", "", "data root, defaults to $CLOUDYPAD_HOME or ~/.cloudypad")
	rootCmd.PersistentFlags().BoolVarP(&c.opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().IntVar(&c.opts.retries, "retries", 0, "retry failed provision and configure calls this many times")
	rootCmd.PersistentFlags().IntVar(&c.opts.retryDelay, "retry-delay", 10, "seconds between two retries")

	rootCmd.AddCommand(newCreateCommand(c))
	rootCmd.AddCommand(newUpdateCommand(c))
	rootCmd.AddCommand(newListCommand(c))
	rootCmd.AddCommand(newGetCommand(c))
	rootCmd.AddCommand(newStartCommand(c))
	rootCmd.AddCommand(newStopCommand(c))
	rootCmd.AddCommand(newRestartCommand(c))
	rootCmd.AddCommand(newProvisionCommand(c))
	rootCmd.AddCommand(newConfigureCommand(c))
	rootCmd.AddCommand(newDeployCommand(c))
	rootCmd.AddCommand(newDestroyCommand(c))
	rootCmd.AddCommand(newPairCommand(c))
	rootCmd.AddCommand(newHistoryCommand(c))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "cloudypad %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
