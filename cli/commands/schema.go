package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
)

// DefaultMigrateTimeout bounds a migrate run.
const DefaultMigrateTimeout = 30 * time.Second

// NewSchemaCommand creates the schema command
func NewSchemaCommand(opts *globalOptions) *cobra.Command {
	var schema string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the warm tier DDL",
		Long: `Print the SQL that 'stoat migrate' applies, for review or for
running through your own migration tooling.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema == "" {
				cfg, _, err := opts.config()
				switch {
				case errors.Is(err, errNoConfig):
					cfg = stoat.DefaultConfig()
				case err != nil:
					return err
				}
				schema = cfg.Backends.PostgresSchema
			}

			out := cmd.OutOrStdout()
			for _, stmt := range postgres.SchemaSQL(schema) {
				fmt.Fprintf(out, "%s;\n\n", dedent(stmt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schema, "schema", "", "Schema name (defaults to backends.postgres_schema)")
	return cmd
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(opts *globalOptions) *cobra.Command {
	var (
		databaseURL string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the warm tier schema",
		Long: `Create the events, snapshots, cache and checkpoint tables.
Migrations are idempotent and safe to run on every deploy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.config()
			if err != nil {
				return err
			}
			if databaseURL == "" {
				databaseURL = cfg.Backends.PostgresURL
			}
			if databaseURL == "" {
				return errors.New("no database URL: set backends.postgres_url or pass --database-url")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			adapter, err := postgres.NewAdapter(databaseURL, postgres.WithSchema(cfg.Backends.PostgresSchema))
			if err != nil {
				return err
			}
			defer adapter.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.FormatStep(1, 2, "Connecting to PostgreSQL"))
			if err := adapter.Ping(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			fmt.Fprintln(out, styles.FormatStep(2, 2, "Applying schema "+cfg.Backends.PostgresSchema))
			if err := adapter.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, styles.FormatSuccess("Schema is up to date"))
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Connection string (overrides backends.postgres_url)")
	cmd.Flags().DurationVar(&timeout, "timeout", DefaultMigrateTimeout, "Migration timeout")
	return cmd
}

// dedent strips the leading indentation of multi-line DDL.
func dedent(stmt string) string {
	lines := strings.Split(strings.TrimSpace(stmt), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimLeft(l, "\t")
		if i > 0 && lines[i] != ")" {
			lines[i] = "  " + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}
