package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudypad/cloudypad/pkg/config"
	"github.com/cloudypad/cloudypad/pkg/configurators/ansible"
	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

func newCreateCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new instance",
		Long: `Create a new instance record and deploy it.

Deploying provisions the cloud resources, configures the host and starts the
streaming server. Use --no-deploy to only write the record.`,
		Example: `  # Local fake instance
  cloudypad create dummy --name test --yes

  # AWS instance with a data disk archived while stopped
  cloudypad create aws --name gaming --region eu-west-3 --private-ssh-key ~/.ssh/id_ed25519 \
    --data-disk-size 200 --delete-instance-server-on-stop --data-disk-snapshot

  # Inputs computed by a Starlark preset, flags take precedence
  cloudypad create aws --name gaming --preset presets/aws-small.star`,
	}
	for _, p := range allProviderFlags {
		cmd.AddCommand(newCreateProviderCommand(c, p))
	}
	return cmd
}

func newCreateProviderCommand(c *cli, p providerFlags) *cobra.Command {
	var (
		name      string
		preset    string
		overwrite bool
		noDeploy  bool
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   p.provider,
		Short: p.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			fs := cmd.Flags()

			provisionInput, err := p.provisionInput(fs, false)
			if err != nil {
				return err
			}
			configInput, err := configurationInput(fs, false)
			if err != nil {
				return err
			}

			if preset != "" {
				pr, err := config.NewPresetEvaluator(0).EvaluateFile(ctx, preset, map[string]interface{}{
					"name":     name,
					"provider": p.provider,
				})
				if err != nil {
					return err
				}
				changedProvision, err := p.provisionInput(fs, true)
				if err != nil {
					return err
				}
				changedConfig, err := configurationInput(fs, true)
				if err != nil {
					return err
				}
				provisionInput = state.Merge(state.Merge(provisionInput, pr.Provision), changedProvision)
				configInput = state.Merge(state.Merge(configInput, pr.Configuration), changedConfig)
			}

			exists, err := a.manager.Exists(ctx, name)
			if err != nil {
				return err
			}
			if exists && !overwrite {
				if err := confirm(c.in, cmd.OutOrStdout(), fmt.Sprintf("Instance %s already exists. Overwrite it?", name), yes); err != nil {
					return err
				}
				overwrite = true
			}

			rec := state.NewRecord(name, p.provider, provisionInput, ansible.ConfiguratorName, configInput)
			if err := a.manager.Create(ctx, rec, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s created at %s\n", name, a.store.Location(name))

			if noDeploy {
				return nil
			}
			return deploy(cmd, c, a, name, yes)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&preset, "preset", "", "Starlark script computing the instance inputs")
	cmd.Flags().BoolVar(&overwrite, "overwrite-existing", false, "replace an existing instance of the same name")
	cmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "only write the instance record")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	p.register(cmd.Flags(), true)
	registerConfigurationFlags(cmd.Flags(), true)
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newUpdateCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the inputs of an existing instance",
		Long: `Update the inputs of an existing instance and redeploy it.

Only the flags given on the command line are changed; nested inputs are merged.`,
	}
	for _, p := range allProviderFlags {
		cmd.AddCommand(newUpdateProviderCommand(c, p))
	}
	return cmd
}

func newUpdateProviderCommand(c *cli, p providerFlags) *cobra.Command {
	var (
		noDeploy bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   p.provider + " <name>",
		Short: "Update a " + p.provider + " instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a, err := c.load(cmd)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())

			rec, err := a.manager.Get(ctx, name)
			if err != nil {
				return err
			}
			if rec.Provision.Provider != p.provider {
				return engine.NewValidationError("provision.provider",
					fmt.Sprintf("instance uses provider %s, not %s", rec.Provision.Provider, p.provider)).WithInstance(name)
			}

			provisionPatch, err := p.provisionInput(cmd.Flags(), true)
			if err != nil {
				return err
			}
			configPatch, err := configurationInput(cmd.Flags(), true)
			if err != nil {
				return err
			}
			if len(provisionPatch) == 0 && len(configPatch) == 0 {
				log.Info().Str("instance", name).Msg("Nothing to update")
				return nil
			}

			if _, err := a.manager.Update(ctx, name, provisionPatch, configPatch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s updated\n", name)

			if noDeploy {
				return nil
			}
			return deploy(cmd, c, a, name, yes)
		},
	}

	cmd.Flags().BoolVar(&noDeploy, "no-deploy", false, "only update the instance record")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	p.register(cmd.Flags(), false)
	registerConfigurationFlags(cmd.Flags(), false)

	return cmd
}

// deploy asks for confirmation, then provisions and configures name.
func deploy(cmd *cobra.Command, c *cli, a *app, name string, yes bool) error {
	question := fmt.Sprintf("Deploy instance %s? Cloud resources will be created or updated.", name)
	if err := confirm(c.in, cmd.OutOrStdout(), question, yes); err != nil {
		return err
	}
	if err := a.manager.Deploy(a.context(cmd.Context()), name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s deployed. Run 'cloudypad pair %s' to pair a Moonlight client.\n", name, name)
	return nil
}
