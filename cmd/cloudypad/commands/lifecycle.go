package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// runStateCommand builds start, stop and restart.
func runStateCommand(c *cli, use, short string, run func(a *app, cmd *cobra.Command, name string, opts engine.StartStopOptions) error) *cobra.Command {
	var (
		wait    bool
		timeout int
	)

	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := startStopOptions(wait, timeout)
			if err != nil {
				return err
			}
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := run(a, cmd, args[0], opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s: %s requested\n", args[0], use)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the server to reach its target state")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "seconds bounding --wait, the default wait timeout when 0")

	return cmd
}

// startStopOptions converts the --wait and --timeout flags.
func startStopOptions(wait bool, timeoutSeconds int) (engine.StartStopOptions, error) {
	if timeoutSeconds < 0 {
		return engine.StartStopOptions{}, engine.NewValidationError("timeout", fmt.Sprintf("timeout must not be negative, got %d", timeoutSeconds))
	}
	return engine.StartStopOptions{Wait: wait, WaitTimeout: time.Duration(timeoutSeconds) * time.Second}, nil
}

func newStartCommand(c *cli) *cobra.Command {
	return runStateCommand(c, "start", "Start an instance server", func(a *app, cmd *cobra.Command, name string, opts engine.StartStopOptions) error {
		return a.manager.Start(a.context(cmd.Context()), name, opts)
	})
}

func newStopCommand(c *cli) *cobra.Command {
	return runStateCommand(c, "stop", "Stop an instance server", func(a *app, cmd *cobra.Command, name string, opts engine.StartStopOptions) error {
		return a.manager.Stop(a.context(cmd.Context()), name, opts)
	})
}

func newRestartCommand(c *cli) *cobra.Command {
	return runStateCommand(c, "restart", "Restart an instance server", func(a *app, cmd *cobra.Command, name string, opts engine.StartStopOptions) error {
		return a.manager.Restart(a.context(cmd.Context()), name, opts)
	})
}

func newProvisionCommand(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "provision <name>",
		Short: "Create or update the cloud resources of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := confirm(c.in, cmd.OutOrStdout(), fmt.Sprintf("Provision instance %s?", name), yes); err != nil {
				return err
			}
			if err := a.manager.Provision(a.context(cmd.Context()), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s provisioned\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newConfigureCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "configure <name>",
		Short: "Configure a provisioned instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := a.manager.Configure(a.context(cmd.Context()), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s configured\n", args[0])
			return nil
		},
	}
}

func newDeployCommand(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "deploy <name>",
		Short: "Provision then configure an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			return deploy(cmd, c, a, args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newDestroyCommand(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy <name>",
		Short: "Destroy the cloud resources and the record of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			question := fmt.Sprintf("Destroy instance %s? Its server and disks will be deleted.", name)
			if err := confirm(c.in, cmd.OutOrStdout(), question, yes); err != nil {
				return err
			}
			if err := a.manager.DestroyInstance(a.context(cmd.Context()), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s destroyed\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newPairCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "pair <name>",
		Short: "Pair a Moonlight client with an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			if err := a.manager.Pair(a.context(cmd.Context()), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s paired\n", args[0])
			return nil
		},
	}
}
