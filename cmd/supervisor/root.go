package main

import (
	"jobsupervisor/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootOptions are the persistent flags shared by all subcommands.
type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "supervisor",
		Short:         "Supervise jobs placed on runner agents",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(config.SupervisorEnvPrefix, opts.configFile, config.SetServiceDefaults)
			if err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			opts.v = v
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSubmitCmd(opts))
	cmd.AddCommand(newJobsCmd(opts))
	return cmd
}

// addClientFlags registers the flags of commands that talk to a running service.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("client.server", "http://localhost:8080", "Supervisor API address")
	cmd.Flags().String("client.api_key", "", "API key (bearer token)")
}

func clientFrom(opts *rootOptions) *apiClient {
	return newAPIClient(opts.v.GetString("client.server"), opts.v.GetString("client.api_key"))
}
