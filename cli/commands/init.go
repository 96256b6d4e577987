package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
)

// NewInitCommand creates the init command
func NewInitCommand() *cobra.Command {
	var (
		force        bool
		postgresURL  string
		redisAddr    string
		kafkaBrokers []string
	)

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a default " + stoat.DefaultConfigFile,
		Long: `Write a stoat.yaml holding the default settings.

Backend addresses may be given as flags or edited in the file later.
Values in the form ${NAME} are expanded from the environment on load.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path := filepath.Join(dir, stoat.DefaultConfigFile)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := stoat.DefaultConfig()
			cfg.Backends.PostgresURL = postgresURL
			cfg.Backends.RedisAddr = redisAddr
			cfg.Backends.KafkaBrokers = kafkaBrokers
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.FormatSuccess("Created "+path))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Subtitle.Render("Next steps:"))
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, styles.Code.Render("stoat validate"))
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, styles.Code.Render("stoat migrate"))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.Flags().StringVar(&postgresURL, "postgres-url", "", "Warm tier connection string")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Hot tier address (host:port)")
	cmd.Flags().StringSliceVar(&kafkaBrokers, "kafka-brokers", nil, "Persistence queue brokers")

	return cmd
}

// NewValidateCommand creates the validate command
func NewValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := opts.config()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			problems := cfg.Validate()
			if len(problems) == 0 {
				fmt.Fprintln(out, styles.FormatSuccess(path+" is valid"))
				return nil
			}
			for _, p := range problems {
				fmt.Fprintln(out, styles.FormatError(p))
			}
			return fmt.Errorf("%s: %d problem(s)", path, len(problems))
		},
	}
}
