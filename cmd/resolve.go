package cmd

import (
	"encoding/json"
	"fmt"

	"proxyrouter/core"
	"proxyrouter/database"
	"proxyrouter/pac"
	"proxyrouter/stats"

	"github.com/spf13/cobra"
)

var (
	resolveTabID  int
	resolveType   string
	resolveAsJSON bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve URL",
	Short: "Shows which route a request for URL would take",
	Long: `Runs the resolution hierarchy against the stored settings and tab proxy
map. Tabs known only to a running instance are not visible here, so
domain overrides match on the URL's own hostname.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := core.NewEngine(core.EngineOptions{Store: database.Store{}, Metrics: stats.NewMetrics()})
		if err := engine.Reload(cmd.Context()); err != nil {
			return err
		}
		d := engine.Resolve(cmd.Context(), core.RequestInfo{URL: args[0], TabID: resolveTabID, Type: resolveType})

		out := cmd.OutOrStdout()
		if resolveAsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		fmt.Fprintf(out, "layer:  %s\n", d.Layer)
		if d.Rule != "" {
			fmt.Fprintf(out, "rule:   %s\n", d.Rule)
		}
		if d.Reason != "" {
			fmt.Fprintf(out, "reason: %s\n", d.Reason)
		}
		fmt.Fprintf(out, "route:  %s\n", pac.DecisionString(d))
		return nil
	},
}

func init() {
	resolveCmd.Flags().IntVar(&resolveTabID, "tab", core.NoTab, "tab id the request originates from")
	resolveCmd.Flags().StringVar(&resolveType, "type", "", "resource type, e.g. image or main_frame")
	resolveCmd.Flags().BoolVar(&resolveAsJSON, "json", false, "print the decision as JSON")
	rootCmd.AddCommand(resolveCmd)
}
