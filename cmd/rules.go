package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspects the stored routing rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compiles every rule and reports invalid ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := loadRuntimeSettings(cmd.Context())
		if err != nil {
			return err
		}
		report := rs.Report()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tNAME\tACTIVE\tSTATUS")
		bad := 0
		for _, st := range report {
			status := "ok"
			switch {
			case !st.Valid:
				status = "invalid: " + strings.Join(st.Problems, "; ")
				bad++
			case st.MissingProxy:
				status = "unknown proxy " + rs.Compiled[st.Index].ProxyID
				bad++
			}
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", st.Index, st.Name, st.Active, status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d rules have problems", bad, len(report))
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}
