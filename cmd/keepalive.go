package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"proxyrouter/config"
	"proxyrouter/core"

	"github.com/spf13/cobra"
)

var keepAliveServerURL string

var keepAliveCmd = &cobra.Command{
	Use:   "keepalive",
	Short: "Inspects keep-alive state of a running instance",
}

var keepAliveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows which proxies are kept alive and for which tabs",
	RunE: func(cmd *cobra.Command, args []string) error {
		base := keepAliveServerURL
		if base == "" {
			base = "http://127.0.0.1:" + config.AppConfig.Server.Port
		}
		client := &http.Client{Timeout: 5 * time.Second}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimSuffix(base, "/")+"/api/keepalive", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("querying %s: %w", base, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("querying %s: unexpected status %s", base, resp.Status)
		}

		var status []core.KeepAliveStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decoding keep-alive status: %w", err)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROXY\tRUNNING\tTEST URL\tDOWN\tTABS")
		for _, st := range status {
			patterns := make([]string, 0, len(st.Tabs))
			for pattern, ids := range st.Tabs {
				patterns = append(patterns, fmt.Sprintf("%s=%v", pattern, ids))
			}
			sort.Strings(patterns)
			fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%s\n", st.ProxyID, st.Running, st.TestURL, st.DownNotifications, strings.Join(patterns, " "))
		}
		return tw.Flush()
	},
}

func init() {
	keepAliveStatusCmd.Flags().StringVar(&keepAliveServerURL, "server", "", "base URL of the API server (default http://127.0.0.1:<server.port>)")
	keepAliveCmd.AddCommand(keepAliveStatusCmd)
	rootCmd.AddCommand(keepAliveCmd)
}
