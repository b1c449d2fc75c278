// Custos runner — drives one governed execution of the reference scenario
// and prints the resulting audit chain.
//
// Runs as a standalone binary:
//   - loads policy (TOML), output schema (YAML/JSON), and runner config
//   - steps the medication agent through the gated pipeline to completion
//   - exports the hash-chained audit log and re-verifies it
//
// The runner is a thin host around the trusted core; everything it does is
// available to any embedding application through the internal packages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/custos-run/custos/internal/agent"
	"github.com/custos-run/custos/internal/audit"
	"github.com/custos-run/custos/internal/config"
	"github.com/custos-run/custos/internal/executor"
	"github.com/custos-run/custos/internal/policy"
	"github.com/custos-run/custos/internal/scenario"
	"github.com/custos-run/custos/internal/telemetry"
	"github.com/custos-run/custos/internal/verify"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to runner config (JSON)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("custos %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	rules, err := policy.LoadFile(cfg.PolicyPath)
	if err != nil {
		return err
	}

	schema, err := verify.LoadSchemaFile(cfg.SchemaPath)
	if err != nil {
		return err
	}

	verifier := verify.NewVerifier(logger)
	scenario.RegisterChecks(verifier)

	ag := scenario.NewAgent()
	state := agent.NewState(scenario.AgentID, "triage", nil)
	caps := scenario.Capabilities()

	writer, exportChain, cleanup, err := buildWriter(ctx, cfg, state.ExecutionID, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	exec, err := executor.New(executor.Options{
		ExecutionID: state.ExecutionID,
		Policy:      policy.NewEngine(rules),
		Writer:      writer,
		Verifier:    verifier,
		Schema:      schema,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting execution",
		zap.String("execution_id", state.ExecutionID),
		zap.String("agent", string(state.AgentID)),
		zap.String("policy", cfg.PolicyPath),
		zap.String("audit_backend", cfg.AuditBackend),
	)

	input := agent.Input{Kind: "user_message", Payload: map[string]any{"text": "check warfarin + aspirin"}}
	for {
		result, err := exec.Step(ctx, ag, state, input, caps)
		if err != nil {
			return fmt.Errorf("step %d: %w", state.Step, err)
		}

		switch result.Outcome {
		case executor.OutcomeTransitioned:
			state = result.State
			input = agent.Input{Kind: "continue"}
			continue

		case executor.OutcomeDenied:
			fmt.Printf("execution denied at step %d: %s\n", state.Step, result.Reason)

		case executor.OutcomeAwaitingApproval:
			// The runner has no interactive approver; report and stop.
			fmt.Printf("execution suspended at step %d: awaiting %s (%s)\n",
				state.Step, result.ApproverRole, result.Reason)

		case executor.OutcomeComplete:
			state = result.State
			fmt.Printf("execution complete after %d steps\n", state.Step)
		}
		break
	}

	exported := exportChain()
	if !audit.VerifyChain(exported.ExecutionID, exported.Events) {
		return fmt.Errorf("audit chain failed verification after execution")
	}
	logger.Info("audit chain verified",
		zap.Int("events", len(exported.Events)),
		zap.String("terminal_hash", exported.TerminalHash),
	)

	out, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return fmt.Errorf("export audit log: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// buildWriter selects the audit backend from config and returns the writer,
// an export hook, and a cleanup function.
func buildWriter(ctx context.Context, cfg config.Config, executionID string, logger *zap.Logger) (audit.Writer, func() audit.AuditLog, func(), error) {
	switch cfg.AuditBackend {
	case "sqlite":
		store, err := audit.NewStore(cfg.AuditPath, executionID, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() { _ = store.Close() }
		if cfg.Retention.Schedule != "" {
			maxAge, err := cfg.Retention.MaxAgeDuration()
			if err != nil {
				store.Close()
				return nil, nil, nil, err
			}
			stop, err := store.StartRetention(cfg.Retention.Schedule, maxAge)
			if err != nil {
				store.Close()
				return nil, nil, nil, err
			}
			cleanup = func() {
				stop()
				_ = store.Close()
			}
		}
		return store, store.Export, cleanup, nil

	case "postgres":
		store, err := audit.NewPostgresStore(ctx, cfg.PostgresDSN, executionID, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store.Export, store.Close, nil

	default:
		log := audit.NewLog(executionID)
		return log, log.Export, func() {}, nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
