package cmd

import (
	"context"
	"fmt"
	"os"

	"proxyrouter/database"
	"proxyrouter/pac"
	"proxyrouter/rules"

	"github.com/spf13/cobra"
)

var (
	pacOutputPath string
	pacTestProxy  string
)

func loadRuntimeSettings(ctx context.Context) (*rules.RuntimeSettings, error) {
	s, err := database.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	return rules.CompileSettings(s), nil
}

var pacCmd = &cobra.Command{
	Use:   "pac",
	Short: "Generates proxy auto-config scripts from the stored settings",
}

var pacGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Prints the PAC script for the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := loadRuntimeSettings(cmd.Context())
		if err != nil {
			return err
		}
		script := pac.Generate(rs)
		if pacOutputPath == "" {
			fmt.Fprintln(cmd.OutOrStdout(), script)
			return nil
		}
		if err := os.WriteFile(pacOutputPath, []byte(script+"\n"), 0644); err != nil {
			return fmt.Errorf("writing PAC script: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "PAC script written to %s\n", pacOutputPath)
		return nil
	},
}

var pacTestURLCmd = &cobra.Command{
	Use:   "test-url URL",
	Short: "Prints the PAC script with URL routed through one proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := loadRuntimeSettings(cmd.Context())
		if err != nil {
			return err
		}
		id := pacTestProxy
		if id == "" {
			id = rs.DefaultProxy
		}
		proxy, ok := rs.ProxyByID(id)
		if !ok {
			return fmt.Errorf("proxy %q not found", id)
		}
		fmt.Fprintln(cmd.OutOrStdout(), pac.AddTestURL(pac.Generate(rs), args[0], proxy))
		return nil
	},
}

func init() {
	pacGenerateCmd.Flags().StringVarP(&pacOutputPath, "output", "o", "", "write the script to this file instead of stdout")
	pacTestURLCmd.Flags().StringVar(&pacTestProxy, "proxy", "", "proxy id to route the URL through (default proxy when empty)")

	pacCmd.AddCommand(pacGenerateCmd)
	pacCmd.AddCommand(pacTestURLCmd)
	rootCmd.AddCommand(pacCmd)
}
