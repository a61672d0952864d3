package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/api"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/cga"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/config"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/escalation"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/execution"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/governance"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/learning"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/lineage"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/observability"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/reconciler"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/strategy"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func runServe(_ []string, _ io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[gapd] config: %v", err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTELEndpoint
	obsCfg.LogLevel = cfg.LogLevel
	obsCfg.LogFormat = cfg.LogFormat
	logger := observability.NewLogger(obsCfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		log.Fatalf("[gapd] observability: %v", err)
	}

	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("[gapd] open database: %v", err)
	}
	defer db.Close()
	if cfg.DBDriver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	ledger, err := lineage.Open(ctx, db, lineage.Driver(cfg.DBDriver))
	if err != nil {
		log.Fatalf("[gapd] open lineage ledger: %v", err)
	}

	world := worldmodel.NewStore()
	intents := intent.NewStore()
	authority := intent.NewAuthority()
	registry := governance.NewRegistry()
	evaluator := governance.NewEvaluator(registry, governance.NewRuleSet(), authority)

	dispatcher := execution.NewDispatcher(world)
	dispatcher.RegisterMockHandlers()
	for actionType, path := range cfg.WasmHandlers {
		module, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("[gapd] wasm handler %s: %v", actionType, err)
		}
		wexec := execution.NewWasmExecutor(ctx, module, execution.WasmConfig{})
		defer func() { _ = wexec.Close(context.Background()) }()
		dispatcher.Register(actionType, wexec.Handler())
		logger.Info("wasm effector registered", "action_type", actionType, "module", path)
	}
	orch := cga.NewOrchestrator(strategy.NewLadderGenerator(), evaluator, dispatcher, cfg.MaxAttempts)

	recCfg := contracts.ReconcilerConfig{
		HeartbeatIntervalSeconds: cfg.HeartbeatSeconds,
		MaxRetryBudget:           cfg.MaxAttempts,
		CooldownSeconds:          cfg.CooldownSeconds,
		CircuitBreakerThreshold:  cfg.CircuitThreshold,
	}.Normalize()

	var dampening reconciler.DampeningStore
	if cfg.DampeningStore == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("[gapd] redis ping %s: %v", cfg.RedisAddr, err)
		}
		dampening = reconciler.NewRedisDampening(client, recCfg)
		log.Printf("[gapd] dampening store: redis (%s)", cfg.RedisAddr)
	}

	escalations := escalation.NewQueue(escalation.NewTokenIssuer(cfg.AuthSecret, 0))
	learner := learning.NewEngine()

	rec := reconciler.New(world, intents, orch, ledger, escalations, reconciler.Options{
		Config:    recCfg,
		Dampening: dampening,
		Learner:   learner,
		Telemetry: provider,
		Logger:    logger,
	})
	escalations.OnResolve(func(entityID string) {
		if err := rec.Dampening().Clear(context.Background(), entityID); err != nil {
			logger.Warn("clear dampening after resolution", "entity_id", entityID, "error", err)
		}
	})

	keys, err := lineage.NewMemoryKeyProvider()
	if err != nil {
		log.Fatalf("[gapd] checkpoint keys: %v", err)
	}
	if deployment := os.Getenv("GAP_DEPLOYMENT_ID"); deployment != "" {
		if keys, err = keys.DeriveForDeployment(deployment); err != nil {
			log.Fatalf("[gapd] derive deployment key: %v", err)
		}
	}

	if cfg.SeedFile != "" {
		if err := applySeed(cfg.SeedFile, intents, registry); err != nil {
			log.Fatalf("[gapd] seed %s: %v", cfg.SeedFile, err)
		}
		log.Printf("[gapd] seed applied from %s", cfg.SeedFile)
	}

	server := api.NewServer(api.Deps{
		Intents:     intents,
		World:       world,
		Evaluator:   evaluator,
		Authority:   authority,
		Ledger:      ledger,
		Reconciler:  rec,
		Escalations: escalations,
		Learner:     learner,
		Keys:        keys,
		AuthSecret:  cfg.AuthSecret,
		RateRPS:     cfg.RateRPS,
		RateBurst:   cfg.RateBurst,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go rec.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[gapd] kernel %s listening on %s (db=%s lineage_count=%d)",
			version, cfg.ListenAddr, cfg.DBDriver, ledger.Count())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Printf("[gapd] server error: %v", err)
		return 1
	case <-ctx.Done():
	}

	log.Printf("[gapd] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gapd] http shutdown: %v", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gapd] telemetry shutdown: %v", err)
	}
	fmt.Printf("%s[gapd] stopped cleanly%s\n", colorGreen, colorReset)
	return 0
}

func applySeed(path string, intents *intent.Store, registry *governance.Registry) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, si := range seed.Intents {
		intents.Create(si.Intent())
	}
	for _, sa := range seed.ActionTypes {
		spec := sa.Spec()
		registeredBy := spec.RegisteredBy
		if registeredBy == "" {
			registeredBy = "seed"
		}
		if _, err := registry.Register(spec, registeredBy); err != nil {
			return fmt.Errorf("register action type %s: %w", spec.TypeID, err)
		}
	}
	return nil
}
