// Package main provides the entry point for the sqlgate CLI.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/TFMV/sqlgate/cmd/sqlgate/app"
	"github.com/TFMV/sqlgate/cmd/sqlgate/config"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errReported marks failures already written to the output.
var errReported = stderrors.New("reported")

var rootCmd = &cobra.Command{
	Use:   "sqlgate",
	Short: "Audited SQL execution gateway",
	Long: `sqlgate runs ad-hoc SQL batches against configured databases.

Every statement is validated, executed in its own transaction and recorded in
an audit log. UPDATE and DELETE statements that touch too many rows are held
back until they are confirmed or rejected.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var execCmd = &cobra.Command{
	Use:   "exec [SQL]",
	Short: "Execute a batch of SQL statements",
	Long: `Execute a batch of SQL statements.

The batch is read from the arguments, from --file, or from stdin.

Example:
  sqlgate exec --database BackOffice --defect DEF-123 "UPDATE orders SET state='closed' WHERE id = 42;"
  sqlgate exec --database Portal --file fix.sql --output json`,
	RunE: runExec,
}

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Commit the pending batch of a session",
	RunE:  runConfirm,
}

var rejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Discard the pending batch of a session",
	RunE:  runReject,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest first",
	RunE:  runAuditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditShow,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check connectivity of every configured database",
	RunE:  runCheck,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session",
	RunE:  runShell,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file path")
	pf.String("env-file", ".env", "dotenv file with <PREFIX>_DB_* settings")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringP("output", "o", "table", "output format (table, json, yaml)")
	pf.String("confirm-mode", string(services.ConfirmModeReexecute), "how deferred statements are applied (reexecute, lease)")
	pf.Int64("threshold", services.DefaultConfirmationThreshold, "affected-row count that defers UPDATE and DELETE statements")

	for key, flag := range map[string]string{
		"config":                           "config",
		"env-file":                         "env-file",
		"output":                           "output",
		"log_level":                        "log-level",
		"execution.confirm_mode":           "confirm-mode",
		"execution.confirmation_threshold": "threshold",
	} {
		if err := viper.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	currentUser := os.Getenv("USER")

	execCmd.Flags().StringP("database", "d", "", "logical database (default BackOffice)")
	execCmd.Flags().String("defect", "", "defect number recorded with the batch")
	execCmd.Flags().StringP("user", "u", currentUser, "user recorded in the audit log")
	execCmd.Flags().String("session", "", "session owning the pending batch (default: user)")
	execCmd.Flags().StringP("file", "f", "", "read the batch from a file")
	execCmd.Flags().Bool("admin", false, "allow statements on protected tables")

	for _, cmd := range []*cobra.Command{confirmCmd, rejectCmd} {
		cmd.Flags().StringP("user", "u", currentUser, "user recorded in the audit log")
		cmd.Flags().String("session", "", "session owning the pending batch (default: user)")
		cmd.Flags().Int64("audit-id", 0, "combined audit id of the pending batch")
	}

	auditCmd.PersistentFlags().StringP("database", "d", "", "logical database (default BackOffice)")
	auditListCmd.Flags().String("user", "", "filter by user")
	auditListCmd.Flags().String("status", "", "filter by status (Pending, Success, Error, RejectedByUser)")
	auditListCmd.Flags().String("defect", "", "filter by defect number")
	auditListCmd.Flags().Int("limit", 50, "maximum number of records")
	auditCmd.AddCommand(auditListCmd, auditShowCmd)

	shellCmd.Flags().StringP("database", "d", "", "initial logical database (default BackOffice)")
	shellCmd.Flags().String("defect", "", "defect number recorded with each batch")
	shellCmd.Flags().StringP("user", "u", currentUser, "user recorded in the audit log")
	shellCmd.Flags().String("session", "", "session id (default: user)")
	shellCmd.Flags().Bool("admin", false, "allow statements on protected tables")

	rootCmd.AddCommand(execCmd, confirmCmd, rejectCmd, auditCmd, checkCmd, shellCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sqlgate\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !stderrors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(viper.GetString("env-file")); err != nil {
		return nil, err
	}

	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return config.Load(viper.GetViper(), os.LookupEnv)
}

// bootstrap loads configuration and wires the application for a one-shot
// command.
func bootstrap() (*app.App, *app.Renderer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	format, err := app.ParseFormat(viper.GetString("output"))
	if err != nil {
		return nil, nil, err
	}

	a, _, err := newApp(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	renderer := app.NewRenderer(os.Stdout, format)
	if !a.PendingPersistent() {
		renderer.WithPendingHint(app.VolatilePendingHint)
	}
	return a, renderer, nil
}

func newApp(cfg *config.Config, collector metrics.Collector) (*app.App, zerolog.Logger, error) {
	logger := app.SetupLogging(cfg.LogLevel, os.Stderr)
	logger.Debug().
		Str("version", version).
		Strs("databases", cfg.DatabaseNames()).
		Str("confirm_mode", cfg.Execution.ConfirmMode).
		Msg("Configuration loaded")

	a, err := app.New(cfg, logger, collector)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func sessionFor(cmd *cobra.Command) string {
	session, _ := cmd.Flags().GetString("session")
	if session != "" {
		return session
	}
	user, _ := cmd.Flags().GetString("user")
	return user
}

func databaseFor(cmd *cobra.Command, a *app.App) string {
	database, _ := cmd.Flags().GetString("database")
	if database == "" {
		database = a.DefaultDatabase()
	}
	return database
}

func readBatch(cmd *cobra.Command, args []string) (string, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(b), nil
	}
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no SQL given: pass it as an argument, with --file, or on stdin")
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(b), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	query, err := readBatch(cmd, args)
	if err != nil {
		return err
	}

	a, renderer, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	user, _ := cmd.Flags().GetString("user")
	defect, _ := cmd.Flags().GetString("defect")
	admin, _ := cmd.Flags().GetBool("admin")

	res, err := a.Exec(ctx, app.ExecRequest{
		ExecuteRequest: services.ExecuteRequest{
			Query:        query,
			Database:     databaseFor(cmd, a),
			User:         user,
			DefectNumber: defect,
			SessionID:    sessionFor(cmd),
		},
		Admin: admin,
	})
	if err != nil {
		return err
	}
	if err := renderer.Execution(res); err != nil {
		return err
	}
	if !res.Success {
		return errReported
	}
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	a, renderer, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	auditID, _ := cmd.Flags().GetInt64("audit-id")
	user, _ := cmd.Flags().GetString("user")

	res, err := a.Confirm(ctx, sessionFor(cmd), auditID, user)
	if err != nil {
		return err
	}
	if err := renderer.Confirm(res); err != nil {
		return err
	}
	if res.FailedCount > 0 {
		return errReported
	}
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	a, renderer, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	auditID, _ := cmd.Flags().GetInt64("audit-id")
	res, err := a.Reject(ctx, sessionFor(cmd), auditID)
	if err != nil {
		return err
	}
	return renderer.Reject(res)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	a, renderer, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	filter := models.AuditFilter{}
	filter.User, _ = cmd.Flags().GetString("user")
	filter.DefectNumber, _ = cmd.Flags().GetString("defect")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if status, _ := cmd.Flags().GetString("status"); status != "" {
		s, err := models.ParseAuditStatus(status)
		if err != nil {
			return err
		}
		filter.Status = s
	}

	records, err := a.AuditList(ctx, databaseFor(cmd, a), filter)
	if err != nil {
		return err
	}
	return renderer.AuditRecords(records)
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	auditID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid audit id %q", args[0])
	}

	a, renderer, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rec, err := a.AuditShow(ctx, databaseFor(cmd, a), auditID)
	if err != nil {
		return err
	}
	return renderer.AuditRecord(rec)
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, renderer, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	results := a.Check(ctx)
	if err := renderer.Health(results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.Healthy {
			return errReported
		}
	}
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var (
		collector     metrics.Collector
		metricsServer *metrics.MetricsServer
	)
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path)
	}

	format, err := app.ParseFormat(viper.GetString("output"))
	if err != nil {
		return err
	}

	a, logger, err := newApp(cfg, collector)
	if err != nil {
		return err
	}
	defer a.Close()

	if metricsServer != nil {
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}()
	}

	ctx, cancel := signalContext()
	defer cancel()

	user, _ := cmd.Flags().GetString("user")
	defect, _ := cmd.Flags().GetString("defect")
	admin, _ := cmd.Flags().GetBool("admin")
	database, _ := cmd.Flags().GetString("database")

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Fprintf(os.Stdout, "sqlgate %s. Type \\help for commands.\n", version)
	}

	shell := app.NewShell(a, cmd.InOrStdin(), cmd.OutOrStdout(), app.ShellOptions{
		User:         user,
		Database:     database,
		DefectNumber: defect,
		SessionID:    sessionFor(cmd),
		Admin:        admin,
		Interactive:  interactive,
		Format:       format,
	})
	return shell.Run(ctx)
}
