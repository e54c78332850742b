package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lexcodex/cuekit/cmd/internal/cliutils"
	"github.com/lexcodex/cuekit/framework"
)

// newConfigCmd registers subcommands that inspect or mutate the settings file.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or modify cuekit_cfg/config.yaml",
	}
	cmd.AddCommand(newConfigGetCmd(), newConfigSetCmd(), newConfigPathCmd())
	return cmd
}

// newConfigGetCmd prints the value referenced by a dotted key. Keys missing
// from the file fall back to the effective default.
func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Read a config value by dotted key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := cliutils.ReadConfigMap(flagConfig)
			if err != nil {
				return err
			}
			value, ok := cliutils.GetConfigValue(data, args[0])
			if !ok {
				defaults, err := settingsMap(globalSettings)
				if err != nil {
					return err
				}
				value, ok = cliutils.GetConfigValue(defaults, args[0])
			}
			if !ok {
				return fmt.Errorf("key %s not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), cliutils.PrettyValue(value))
			return nil
		},
	}
}

// newConfigSetCmd updates a dotted key with the provided value.
func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Update a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := cliutils.ReadConfigMap(flagConfig)
			if err != nil {
				return err
			}
			if err := cliutils.SetConfigValue(data, args[0], cliutils.ParseValue(args[0], args[1])); err != nil {
				return err
			}
			if err := cliutils.WriteConfigMap(flagConfig, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), flagConfig)
			return nil
		},
	}
}

// settingsMap renders settings through YAML so dotted lookups see the file keys.
func settingsMap(settings *framework.Settings) (map[string]interface{}, error) {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
