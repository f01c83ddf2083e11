package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"proxyrouter/config"
	"proxyrouter/logger"

	"github.com/spf13/cobra"
)

var (
	startServerPort string
	startProxyPort  string
	startPACMode    bool
)

// portFromFlag returns the flag value when it was set and the configured
// value otherwise.
func portFromFlag(cmd *cobra.Command, name, flagValue, configValue string) string {
	if cmd.Flags().Changed(name) {
		logger.Debug("%s flag was set, using flag value: %s", name, flagValue)
		return flagValue
	}
	return configValue
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts all services (API server plus routing proxy or PAC publisher)",
	Long: `Starts the control API and, in dynamic mode, the routing proxy. With
--pac (or pac.enabled in the config) no proxy is started; the PAC script
is kept up to date at pac.output_path and served at /proxy.pac instead.
Press Ctrl+C to gracefully shut down all services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverPort := portFromFlag(cmd, "server-port", startServerPort, config.AppConfig.Server.Port)
		proxyPort := portFromFlag(cmd, "proxy-port", startProxyPort, config.AppConfig.Proxy.Port)
		pacMode := config.AppConfig.PAC.Enabled
		if cmd.Flags().Changed("pac") {
			pacMode = startPACMode
		}

		ctx, stop := signalContext()
		defer stop()

		mode := "dynamic"
		if pacMode {
			mode = "pac"
		}
		logger.Info("Start Command: mode=%s server=%s proxy=%s", mode, serverPort, proxyPort)

		rt := newRuntime(pacMode)
		if err := rt.run(ctx, listenAddr(serverPort), listenAddr(proxyPort)); err != nil {
			logger.Error("Start Command: %v", err)
			return err
		}
		logger.Info("Start Command: All services shut down.")
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startServerPort, "server-port", "8778", "Port for the API server (overrides config)")
	startCmd.Flags().StringVar(&startProxyPort, "proxy-port", "8777", "Port for the routing proxy (overrides config)")
	startCmd.Flags().BoolVar(&startPACMode, "pac", false, "Publish a PAC file instead of running the routing proxy")
	rootCmd.AddCommand(startCmd)
}
