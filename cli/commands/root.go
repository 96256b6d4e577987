// Package commands provides the command implementations for the stoat CLI.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// errNoConfig is returned when no --config is given and no stoat.yaml is
// found from the working directory upwards.
var errNoConfig = errors.New("no " + stoat.DefaultConfigFile + " found; run 'stoat init' first")

type globalOptions struct {
	configPath string
	noColor    bool
}

// config loads the configuration named by --config, or the nearest
// stoat.yaml.
func (o *globalOptions) config() (*stoat.Config, string, error) {
	path := o.configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		found, ok := stoat.FindConfig(wd)
		if !ok {
			return nil, "", errNoConfig
		}
		path = found
	}
	cfg, err := stoat.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, path, nil
}

// NewRootCommand creates the root command for the stoat CLI
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "stoat",
		Short: "Operator tooling for the stoat tiered event store",
		Long: styles.Title.Render("stoat") + `

Stoat keeps aggregate event logs in a hot tier (Redis or memory) in front
of a durable warm tier (PostgreSQL), with Kafka-backed warm persistence.

` + styles.Subtitle.Render("Quick Start:") + `

  ` + styles.Code.Render("stoat init") + `        Write a default stoat.yaml
  ` + styles.Code.Render("stoat validate") + `    Check the configuration
  ` + styles.Code.Render("stoat migrate") + `     Create the warm tier schema
  ` + styles.Code.Render("stoat diagnose") + `    Check backend connectivity`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to "+stoat.DefaultConfigFile)
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewValidateCommand(opts))
	rootCmd.AddCommand(NewSchemaCommand(opts))
	rootCmd.AddCommand(NewMigrateCommand(opts))
	rootCmd.AddCommand(NewDiagnoseCommand(opts))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), styles.FormatError(err.Error()))
		return err
	}

	return nil
}
