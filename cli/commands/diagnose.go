package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters/postgres"
	"github.com/AshkanYarmoradi/go-stoat/adapters/redis"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
)

// DefaultCheckTimeout bounds each diagnostic check.
const DefaultCheckTimeout = 5 * time.Second

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

// DiagnosticCheck is one named check run by diagnose.
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context, cfg *stoat.Config) CheckResult
}

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check the configuration and backend connectivity",
		Long: `Run diagnostic checks on a stoat deployment.

This command verifies:
  • Configuration validity
  • PostgreSQL connectivity and schema
  • Redis connectivity
  • Kafka broker connectivity

Backends that are not configured are reported as warnings.`,
		Aliases: []string{"diag", "doctor"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.config()
			if err != nil {
				return err
			}
			results := runChecks(cmd.Context(), cfg, timeout, defaultChecks())
			return report(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", DefaultCheckTimeout, "Timeout per check")
	return cmd
}

func defaultChecks() []DiagnosticCheck {
	return []DiagnosticCheck{
		{Name: "Configuration", Check: checkConfiguration},
		{Name: "PostgreSQL", Check: checkPostgres},
		{Name: "Redis", Check: checkRedis},
		{Name: "Kafka", Check: checkKafka},
	}
}

func runChecks(ctx context.Context, cfg *stoat.Config, timeout time.Duration, checks []DiagnosticCheck) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		r := c.Check(checkCtx, cfg)
		cancel()
		r.Name = c.Name
		results = append(results, r)
	}
	return results
}

// report prints results and fails when any check failed.
func report(out io.Writer, results []CheckResult) error {
	fmt.Fprintln(out, styles.Title.Render(styles.IconHealth+" Running Diagnostics"))

	failed := 0
	for _, r := range results {
		var status string
		switch r.Status {
		case StatusOK:
			status = styles.SuccessStyle.Render("OK")
		case StatusWarning:
			status = styles.WarningStyle.Render("WARNING")
		default:
			status = styles.ErrorStyle.Render("FAILED")
			failed++
		}
		fmt.Fprintf(out, "  %s %s... %s\n", styles.IconPending, r.Name, status)
		if r.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(r.Message))
		}
	}
	fmt.Fprintln(out)

	var recs []string
	for _, r := range results {
		if r.Recommendation != "" {
			recs = append(recs, r.Recommendation)
		}
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed"))
	} else {
		fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
		for _, rec := range recs {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, rec)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func checkConfiguration(_ context.Context, cfg *stoat.Config) CheckResult {
	problems := cfg.Validate()
	if len(problems) > 0 {
		return CheckResult{
			Status:         StatusError,
			Message:        strings.Join(problems, "; "),
			Recommendation: "Run 'stoat validate' and fix the reported settings",
		}
	}
	return CheckResult{Status: StatusOK, Message: "sequencer " + cfg.Sequencer.Mode + ", snapshots " + cfg.Snapshot.Strategy}
}

func notConfigured(setting string) CheckResult {
	return CheckResult{
		Status:         StatusWarning,
		Message:        "not configured",
		Recommendation: "Set " + setting + " to enable this backend",
	}
}

func checkPostgres(ctx context.Context, cfg *stoat.Config) CheckResult {
	if cfg.Backends.PostgresURL == "" {
		return notConfigured("backends.postgres_url")
	}
	adapter, err := postgres.NewAdapter(cfg.Backends.PostgresURL, postgres.WithSchema(cfg.Backends.PostgresSchema))
	if err != nil {
		return CheckResult{Status: StatusError, Message: err.Error()}
	}
	defer adapter.Close()

	if err := adapter.Ping(ctx); err != nil {
		return CheckResult{Status: StatusError, Message: err.Error(), Recommendation: "Check backends.postgres_url and that PostgreSQL is running"}
	}

	var present bool
	table := cfg.Backends.PostgresSchema + ".events"
	if err := adapter.DB().QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
		return CheckResult{Status: StatusError, Message: err.Error()}
	}
	if !present {
		return CheckResult{Status: StatusWarning, Message: table + " does not exist", Recommendation: "Run 'stoat migrate'"}
	}
	return CheckResult{Status: StatusOK, Message: "connected, schema " + cfg.Backends.PostgresSchema}
}

func checkRedis(ctx context.Context, cfg *stoat.Config) CheckResult {
	if cfg.Backends.RedisAddr == "" {
		return notConfigured("backends.redis_addr")
	}
	client, err := redis.NewClient(ctx, cfg.Backends.RedisAddr)
	if err != nil {
		return CheckResult{Status: StatusError, Message: err.Error(), Recommendation: "Check backends.redis_addr and that Redis is running"}
	}
	defer client.Close()
	return CheckResult{Status: StatusOK, Message: "connected to " + cfg.Backends.RedisAddr}
}

func checkKafka(ctx context.Context, cfg *stoat.Config) CheckResult {
	if len(cfg.Backends.KafkaBrokers) == 0 {
		return notConfigured("backends.kafka_brokers")
	}
	var lastErr error
	for _, broker := range cfg.Backends.KafkaBrokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return CheckResult{Status: StatusOK, Message: "connected to " + broker + ", topic " + cfg.Backends.KafkaTopic}
	}
	return CheckResult{Status: StatusError, Message: lastErr.Error(), Recommendation: "Check backends.kafka_brokers"}
}
