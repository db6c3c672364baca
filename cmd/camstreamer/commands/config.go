package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/camstreamer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the camera and server settings",
	Long: `Inspect and edit the settings file read by serve, list and grab.
Keys use dotted paths such as acquisition.buffer_count or camera.access_mode.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Example: `  camstreamer config show
  camstreamer config show --format json`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every settable key with its current value",
	Args:  cobra.NoArgs,
	RunE:  runConfigKeys,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one setting",
	Example: `  camstreamer config get camera.id
  camstreamer config get acquisition.drain_timeout`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change one setting",
	Long: `Change one setting. The whole file is validated before it is written,
so a value the acquisition engine would refuse leaves the file untouched.`,
	Example: `  # Pull delivery with eight buffers
  camstreamer config set acquisition.delivery pull
  camstreamer config set acquisition.buffer_count 8

  # Give push handlers more time per frame
  camstreamer config set acquisition.handler_budget 1s`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the settings file location",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var showFormat string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configKeysCmd, configGetCmd, configSetCmd, configPathCmd)

	configShowCmd.Flags().StringVarP(&showFormat, "format", "f", "yaml", "output format: yaml or json")
}

func loadSettings() (*config.Manager, error) {
	m, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return m, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	m, err := loadSettings()
	if err != nil {
		return err
	}
	return writeSettings(cmd.OutOrStdout(), m.Get(), showFormat)
}

func writeSettings(w io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return fmt.Errorf("unknown format %q, expected yaml or json", format)
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	m, err := loadSettings()
	if err != nil {
		return err
	}
	v := m.GetViper()
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, v.Get(k))
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	m, err := loadSettings()
	if err != nil {
		return err
	}
	v := m.GetViper()
	if !v.IsSet(args[0]) {
		return fmt.Errorf("unknown setting %q (see 'camstreamer config keys')", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	m, err := loadSettings()
	if err != nil {
		return err
	}
	v := m.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("unknown setting %q (see 'camstreamer config keys')", key)
	}
	old := v.Get(key)
	v.Set(key, config.ParseValue(raw))
	if err := m.ApplyViper(v); err != nil {
		return fmt.Errorf("%s not changed: %w", key, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %v -> %s\n", key, old, raw)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	m, err := loadSettings()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), m.GetConfigPath())
	return nil
}
