package cmd

import (
	"fmt"
	"os"

	"proxyrouter/database"
	"proxyrouter/models"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Imports, exports and switches stored settings",
}

var settingsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Writes the keys present in a YAML or JSON file into the active storage area",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := database.ImportSettingsFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d keys: %v\n", len(keys), keys)
		return nil
	},
}

var settingsExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Writes the active settings as YAML (.yaml/.yml) or JSON; stdout when FILE is omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "settings.json"
		if len(args) == 1 {
			path = args[0]
		}
		data, err := database.ExportSettings(cmd.Context(), path)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", path)
		return nil
	},
}

var settingsModeCmd = &cobra.Command{
	Use:   "mode [local|cloud]",
	Short: "Shows or sets which storage area holds the active settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			mode, err := database.GetStorageMode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mode)
			return nil
		}
		mode := models.StorageMode(args[0])
		if err := database.SetStorageMode(cmd.Context(), mode); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Storage mode set to %s\n", mode)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsImportCmd)
	settingsCmd.AddCommand(settingsExportCmd)
	settingsCmd.AddCommand(settingsModeCmd)
	rootCmd.AddCommand(settingsCmd)
}
