package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentoverseer/overseer/internal/alert"
	"github.com/agentoverseer/overseer/internal/api"
	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/firewall"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/killswitch"
	"github.com/agentoverseer/overseer/internal/orchestrator"
	"github.com/agentoverseer/overseer/internal/plugin"
	"github.com/agentoverseer/overseer/internal/plugin/builtin"
	"github.com/agentoverseer/overseer/internal/plugin/openai"
	"github.com/agentoverseer/overseer/internal/plugin/promptctx"
	"github.com/agentoverseer/overseer/internal/policy"
	"github.com/agentoverseer/overseer/internal/sandbox"
	"github.com/agentoverseer/overseer/internal/store"
	"github.com/agentoverseer/overseer/internal/telemetry"
)

// settingUserPolicy is the settings key holding the adaptive permission layer.
const settingUserPolicy = "policy.user_state"

// contextTokens bounds the prompt assembled for each reasoner call.
const contextTokens = 8000

// kernel is every long-lived component of a run, wired together.
type kernel struct {
	loader   *config.Loader
	logger   *slog.Logger
	store    *store.SQLiteStore
	recorder *audit.Recorder
	nats     *audit.NATSSink
	alerts   *alert.Manager
	policy   *policy.Store
	gate     *humangate.Gate
	pauses   *killswitch.KillSwitch
	firewall *firewall.Engine
	runner   *orchestrator.Runner
	manager  *orchestrator.Manager
	api      *api.Server
	addr     string
}

// loadConfig reads configFile, or the first conventional config file when
// it is empty. No file at all means defaults.
func loadConfig(configFile string) (*config.Loader, error) {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = config.FindConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	return loader, nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return st, nil
}

// restorePolicy reloads the persisted user permission layer and keeps it
// persisted on every change.
func restorePolicy(ctx context.Context, pol *policy.Store, st *store.SQLiteStore, logger *slog.Logger) error {
	var saved policy.UserState
	err := st.GetSetting(ctx, settingUserPolicy, &saved)
	switch {
	case err == nil:
		pol.RestoreUser(saved)
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("failed to restore user permissions: %w", err)
	}
	pol.OnUserChange(func(us policy.UserState) {
		if err := st.PutSetting(context.Background(), settingUserPolicy, us); err != nil {
			logger.Error("failed to persist user permissions", "error", err)
		}
	})
	return nil
}

// openKernel builds and wires every component. The returned kernel must be
// closed.
func openKernel(ctx context.Context, configFile, addrOverride string) (*kernel, error) {
	loader, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	cfg := loader.Get()
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}
	logger := newLogger(cfg.Server.LogLevel)
	k := &kernel{loader: loader, logger: logger, addr: cfg.Server.Addr}

	// Storage and the hash-chained audit trail.
	if k.store, err = openStore(cfg, logger); err != nil {
		return nil, err
	}
	k.recorder = audit.NewRecorder(logger, k.store)
	seq, lastHash, err := k.store.AuditTail(ctx)
	if err != nil {
		k.close()
		return nil, fmt.Errorf("failed to read audit tail: %w", err)
	}
	k.recorder.Resume(seq, lastHash)
	if cfg.Audit.NATS.URL != "" {
		ns, err := audit.ConnectNATS(ctx, cfg.Audit.NATS.URL, cfg.Audit.NATS.Subject, logger)
		if err != nil {
			logger.Warn("audit stream unavailable, continuing with local audit only", "error", err)
		} else {
			k.nats = ns
			k.recorder.AddSink(ns)
		}
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		k.close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	k.alerts = alert.NewManager(cfg.Alerts, logger)

	// Permissions.
	if k.policy, err = policy.NewStore(cfg.Permissions, cfg.Policy, k.recorder, logger); err != nil {
		k.close()
		return nil, fmt.Errorf("failed to build permission store: %w", err)
	}
	if err := restorePolicy(ctx, k.policy, k.store, logger); err != nil {
		k.close()
		return nil, err
	}

	// Sandbox, firewall, human gate and pause control.
	sb, err := sandbox.New(cfg.Sandbox, "")
	if err != nil {
		k.close()
		return nil, fmt.Errorf("failed to build sandbox: %w", err)
	}
	k.firewall = firewall.NewEngine(cfg, k.policy, sb, k.recorder, logger)
	k.firewall.SetMetrics(metrics)
	k.gate = humangate.NewGate(cfg.Human, k.recorder, k.alerts, logger)
	k.gate.SetMetrics(metrics)
	k.pauses = killswitch.New(filepath.Dir(cfg.Storage.Path), k.recorder, logger)

	// Pluggable collaborators.
	reg := plugin.NewRegistry()
	reg.RegisterReasoner("openai", openai.New(cfg.Reasoner, logger))
	reg.RegisterTools("builtin", builtin.New(logger))
	reg.RegisterContext("promptctx", promptctx.New(contextTokens, logger))
	reg.RegisterMemory("sqlite", k.store)
	reg.RegisterArtifacts("sqlite", k.store)
	reg.RegisterRecall("sqlite", k.store)
	plugins, err := reg.Resolve()
	if err != nil {
		k.close()
		return nil, fmt.Errorf("failed to resolve plugins: %w", err)
	}

	k.runner, err = orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Store:    k.store,
		Plugins:  plugins,
		Firewall: k.firewall,
		Sandbox:  sb,
		Gate:     k.gate,
		Pauses:   k.pauses,
		Alerts:   k.alerts,
		Audit:    k.recorder,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		k.close()
		return nil, err
	}
	k.manager = orchestrator.NewManager(k.runner, cfg.Execution.MaxConcurrentTasks, logger)

	k.api, err = api.NewServer(api.Deps{
		Config: cfg.Server,
		Store:  k.store,
		Gate:   k.gate,
		Pauses: k.pauses,
		Policy: k.policy,
		Logger: logger,
	})
	if err != nil {
		k.close()
		return nil, err
	}
	return k, nil
}

// start brings up the background services: config hot reload, the pause
// sentinel watcher, alert housekeeping and the management API.
func (k *kernel) start(ctx context.Context) {
	if k.loader.Path() != "" {
		if err := k.loader.Watch(k.logger, k.applyConfig); err != nil {
			k.logger.Warn("config hot reload disabled", "error", err)
		}
	}
	if err := k.pauses.Watch(ctx); err != nil {
		k.logger.Warn("pause sentinel watcher disabled", "error", err)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.alerts.PruneDedup()
			}
		}
	}()

	go func() {
		if err := k.api.Start(ctx, k.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.logger.Error("management API stopped", "error", err)
		}
	}()
}

// applyConfig pushes a reloaded config into every component that supports
// hot reload.
func (k *kernel) applyConfig(cfg *config.Config) {
	if err := k.policy.ApplyAdmin(cfg.Permissions); err != nil {
		k.logger.Error("reloaded permissions rejected, keeping previous", "error", err)
	}
	k.policy.SetDeescalateAfter(cfg.Policy.DeescalateAfter)
	k.firewall.ApplyConfig(cfg)
	k.gate.ApplyConfig(cfg.Human)
	k.runner.ApplyConfig(cfg)
	k.logger.Info("configuration reloaded", "path", k.loader.Path())
}

// watchHuman prints every new human request so the operator knows what to
// answer.
func (k *kernel) watchHuman(ctx context.Context) {
	notices, unsubscribe := k.gate.Subscribe(16)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notices:
				if !ok {
					return
				}
				if n.Type != humangate.NoticeRequested {
					continue
				}
				fmt.Fprintf(os.Stderr, "\n  human input needed for task %s step %d: %s\n", n.Request.TaskID, n.Request.Step, n.Request.Reason)
				for _, c := range n.Request.Calls {
					fmt.Fprintf(os.Stderr, "    - %s %s\n", c.Tool, truncate(formatArgs(c.Args), 200))
				}
				fmt.Fprintf(os.Stderr, "  answer with: overseer respond %s <approve|reject|stop|text>\n\n", n.Request.ID)
			}
		}
	}()
}

func (k *kernel) close() {
	if k.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = k.api.Shutdown(ctx)
		cancel()
	}
	if k.pauses != nil {
		k.pauses.StopWatch()
	}
	k.loader.StopWatch()
	if k.alerts != nil {
		k.alerts.Flush()
	}
	if k.nats != nil {
		k.nats.Close()
	}
	if k.store != nil {
		_ = k.store.Close()
	}
}
