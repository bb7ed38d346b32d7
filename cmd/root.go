package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet command server for a message bus",
		Long:          "walletd serves per-account wallet sessions over a STOMP message bus: it opens wallet files, answers wallet commands and pushes transaction and block notifications.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $HOME/.walletd/walletd.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newWalletsCmd(opts),
	)

	return rootCmd
}

func (o *rootOptions) wire(cmd *cobra.Command) (*app, error) {
	return wireApp(o.configPath, cmd.ErrOrStderr())
}
