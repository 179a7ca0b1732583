package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validKeys = map[string]bool{
	"server":  true,
	"timeout": true,
	"json":    true,
	"pretty":  true,
	"token":   true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage postctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{
				"server":  viper.GetString("server"),
				"timeout": viper.GetDuration("timeout").String(),
				"json":    viper.GetBool("json"),
				"pretty":  viper.GetBool("pretty"),
				"token":   viper.GetString("token") != "",
			})
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(out, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(out, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(out, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Fprintf(out, "  Token set: %v\n", viper.GetString("token") != "")
		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(out, "  Warning: pretty=true but jq not found in PATH")
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintf(out, "  Config file: %s\n", f)
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  postctl config set server http://scheduler:3000
  postctl config set timeout 60s
  postctl config set json true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !validKeys[key] {
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty, token", key)
		}

		switch key {
		case "json", "pretty":
			switch value {
			case "true", "1", "yes", "on":
				viper.Set(key, true)
			case "false", "0", "no", "off":
				viper.Set(key, false)
			default:
				return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
			}
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for timeout: %w", err)
			}
			viper.Set(key, d.String())
		default:
			viper.Set(key, value)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configPath is --config when given, else $HOME/.postctl.yaml.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".postctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
}
