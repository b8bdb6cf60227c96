// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// EnvPrefix prefixes environment overrides, e.g. BATCHFETCH_MAX_ACTIVE=4.
const EnvPrefix = "BATCHFETCH"

// DefaultConfig returns the default configuration.
func DefaultConfig() map[string]any {
	return map[string]any{
		"output":      "downloads",
		"db":          "",
		"max-active":  batchfetch.DefaultMaxConcurrent,
		"retries":     batchfetch.DefaultMaxRetries,
		"wait":        batchfetch.DefaultWaitTime.String(),
		"backoff-max": batchfetch.DefaultBackoffMax.String(),
		"resume-mode": string(batchfetch.ResumeContinue),
		"log-level":   "warn",
		"port":        8080,
	}
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	return filepath.Join(home, ".config"), nil
}

// findConfigFile returns the first existing default config file.
func findConfigFile() string {
	dir, err := configDir()
	if err != nil {
		return ""
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		p := filepath.Join(dir, "batchfetch"+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyConfig fills every flag not set on the command line from the
// environment or the config file, in that order.
func applyConfig(cmd *cobra.Command, ro *RootOpts) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := ro.Config
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("invalid config file %s: %w", path, err)
			}
		}
	}

	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		val := v.GetString(f.Name)
		if f.Value.Type() == "stringSlice" {
			val = strings.Join(v.GetStringSlice(f.Name), ",")
		}
		if err := cmd.Flags().Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("config %s: %w", f.Name, err))
			return
		}
		// Configured values are defaults, a manifest still overrides them
		f.Changed = false
	})
	return errors.Join(errs...)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file at ~/.config/batchfetch.json (or .yaml)

The configuration file sets default values for all command flags.
Environment variables (BATCHFETCH_<FLAG>) override the file, and CLI flags
override both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := configDir()
			if err != nil {
				return err
			}
			ext := ".json"
			if useYAML {
				ext = ".yaml"
			}
			configPath := filepath.Join(dir, "batchfetch"+ext)

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			cfg := DefaultConfig()
			var data []byte
			if useYAML {
				data, err = yaml.Marshal(cfg)
			} else {
				data, err = json.MarshalIndent(cfg, "", "  ")
			}
			if err != nil {
				return err
			}

			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created config file: %s\n", configPath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Edit this file to set your defaults, for example a persistent --db")
			fmt.Fprintln(out, "or a bucket URL for --output.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Create YAML config instead of JSON")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			configPath := findConfigFile()
			if configPath == "" {
				fmt.Fprintln(out, "No config file found.")
				fmt.Fprintln(out, "Run 'batchfetch config init' to create one.")
				return nil
			}

			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Config file: %s\n\n", configPath)
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := findConfigFile()
			if p == "" {
				dir, err := configDir()
				if err != nil {
					return err
				}
				p = filepath.Join(dir, "batchfetch.json")
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
}
