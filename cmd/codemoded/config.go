package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codemode/daemon/internal/config"
)

// config subcommand group (show/path/reset), grounded on
// sam-saffron-jarvis-term-llm's cmd/config.go: the same GetConfigPath-then-
// read-or-default shape, using yaml.v3 directly rather than going through
// viper so the on-disk file stays a plain, human-editable YAML document.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage codemoded's configuration file",
	Long: `Show or manage codemoded's configuration file.

Examples:
  codemoded config         # show the effective config (file, else defaults)
  codemoded config path    # print the config file path
  codemoded config reset   # (re)write config.yaml with default values`,
	RunE: configShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE:  configPath,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset config.yaml to default values",
	RunE:  configReset,
}

func init() {
	configCmd.AddCommand(configPathCmd, configResetCmd)
}

func configShow(cmd *cobra.Command, args []string) error {
	path, err := config.ConfigFilePath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		fmt.Printf("# %s\n# (no config file - showing defaults)\n\n", path)
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(nestDefaults(config.GetDefaults()))
	}

	// Round-trip through yaml.Node rather than a plain map so comments and
	// key order in an operator-edited file are preserved on display.
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	fmt.Printf("# %s\n\n", path)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&root)
}

func configPath(cmd *cobra.Command, args []string) error {
	path, err := config.ConfigFilePath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func configReset(cmd *cobra.Command, args []string) error {
	path, err := config.ConfigFilePath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(nestDefaults(config.GetDefaults())); err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}

	fmt.Printf("Config reset to defaults: %s\n", path)
	return nil
}

// nestDefaults turns GetDefaults' flat "section.key" map into the nested
// mapping shape viper expects to read back (and Load's
// Config.mapstructure tags describe), e.g. {"kernel.base_url": x} becomes
// {"kernel": {"base_url": x}}.
func nestDefaults(flat map[string]any) map[string]any {
	nested := map[string]any{}
	for key, value := range flat {
		section, field, ok := strings.Cut(key, ".")
		if !ok {
			nested[key] = value
			continue
		}
		sub, ok := nested[section].(map[string]any)
		if !ok {
			sub = map[string]any{}
			nested[section] = sub
		}
		sub[field] = value
	}
	return nested
}
