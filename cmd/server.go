package cmd

import (
	"proxyrouter/config"
	"proxyrouter/logger"

	"github.com/spf13/cobra"
)

var standaloneServerPort string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts only the control API server",
	Long: `Starts the control API without a routing proxy. Resolution, rule checks
and proxy tests are available over HTTP; requests are not proxied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := portFromFlag(cmd, "port", standaloneServerPort, config.AppConfig.Server.Port)

		ctx, stop := signalContext()
		defer stop()

		logger.Info("Server Command: starting API server on port %s", port)
		return newRuntime(config.AppConfig.PAC.Enabled).run(ctx, listenAddr(port), "")
	},
}

func init() {
	serverCmd.Flags().StringVarP(&standaloneServerPort, "port", "p", "8778", "Port for the server to listen on (overrides config)")
	rootCmd.AddCommand(serverCmd)
}
