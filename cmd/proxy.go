package cmd

import (
	"proxyrouter/config"
	"proxyrouter/logger"

	"github.com/spf13/cobra"
)

var standaloneProxyPort string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manages the routing proxy",
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the routing proxy without the API server",
	Long: `Starts the local routing proxy. Point your browser or system at it;
every request is resolved through the tab, domain, rule and default
layers and forwarded to the chosen upstream or sent direct. Clients can
name their tab with the X-Proxy-Tab-Id header.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := portFromFlag(cmd, "port", standaloneProxyPort, config.AppConfig.Proxy.Port)
		if port == "" {
			port = "8777"
		}

		ctx, stop := signalContext()
		defer stop()

		logger.ProxyInfo("Attempting to start routing proxy on port %s...", port)
		return newRuntime(false).run(ctx, "", listenAddr(port))
	},
}

func init() {
	proxyStartCmd.Flags().StringVarP(&standaloneProxyPort, "port", "p", "8777", "Port for the proxy server to listen on (overrides config)")

	proxyCmd.AddCommand(proxyStartCmd)
	rootCmd.AddCommand(proxyCmd)
}
