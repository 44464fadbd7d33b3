package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/corvusec/scanhive/internal/api"
	"github.com/corvusec/scanhive/internal/app/orchestration"
	"github.com/corvusec/scanhive/internal/config"
	"github.com/corvusec/scanhive/internal/config/fileloader"
	"github.com/corvusec/scanhive/internal/domain/stream"
	cluster "github.com/corvusec/scanhive/internal/infra/cluster/kubernetes"
	launcherk8s "github.com/corvusec/scanhive/internal/infra/launcher/kubernetes"
	scanningStore "github.com/corvusec/scanhive/internal/infra/storage/scanning/postgres"
	"github.com/corvusec/scanhive/internal/infra/stream/kafka"
	"github.com/corvusec/scanhive/internal/infra/stream/redis"
	"github.com/corvusec/scanhive/pkg/common/debug"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/otel"
)

const (
	serviceType = "orchestrator"
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	// TODO: Adjust the min log level via env var.
	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	// Setup signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry.
	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
		os.Exit(1)
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	configPath := os.Getenv("SCANHIVE_CONFIG")
	if configPath == "" {
		configPath = "/etc/scanhive/config.yaml"
	}
	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ready := &atomic.Bool{}

	debugAddr := fmt.Sprintf("%s:%s", cfg.Debug.Host, cfg.Debug.Port)
	go func() {
		log.Info(ctx, "Debug server listening", "addr", debugAddr)
		if err := http.ListenAndServe(debugAddr, debug.Mux()); err != nil {
			log.Error(ctx, "Debug server failed", "error", err)
		}
	}()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := os.Getenv("POSTGRES_USER")
		password := os.Getenv("POSTGRES_PASSWORD")
		host := os.Getenv("POSTGRES_HOST")
		dbname := os.Getenv("POSTGRES_DB")

		if user == "" {
			user = "postgres"
		}
		if password == "" {
			password = "postgres"
		}
		if host == "" {
			host = "postgres"
		}
		if dbname == "" {
			dbname = "scanhive"
		}

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting application...")

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		log.Error(ctx, "POD_NAME environment variable must be set")
		os.Exit(1)
	}

	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		log.Error(ctx, "POD_NAMESPACE environment variable must be set")
		os.Exit(1)
	}

	mp := otel.GetMeterProvider()
	orchMetrics, err := orchestration.NewOrchestrationMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}
	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create api metrics", "error", err)
		os.Exit(1)
	}

	// Workers inherit the transport and store endpoints they are launched
	// with, so the same values the orchestrator connects with go into the
	// launcher's env map.
	workerEnv := map[string]string{
		"SCANHIVE_DATABASE_URL": dsn,
	}

	broker := os.Getenv("SCANHIVE_BROKER")
	if broker == "" {
		broker = config.BrokerRedis
	}
	workerEnv["SCANHIVE_BROKER"] = broker

	var bus stream.Bus
	switch broker {
	case config.BrokerRedis:
		redisAddr := os.Getenv("SCANHIVE_REDIS_ADDR")
		if redisAddr == "" {
			redisAddr = "localhost:6379"
		}
		workerEnv["SCANHIVE_REDIS_ADDR"] = redisAddr
		if pw := os.Getenv("SCANHIVE_REDIS_PASSWORD"); pw != "" {
			workerEnv["SCANHIVE_REDIS_PASSWORD"] = pw
		}

		client, err := redis.ConnectWithRetry(ctx, &redis.Config{
			Addr:     redisAddr,
			Password: os.Getenv("SCANHIVE_REDIS_PASSWORD"),
		}, log)
		if err != nil {
			log.Error(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		bus = redis.NewBus(client, log, tracer, orchMetrics)
	case config.BrokerKafka:
		rawBrokers := os.Getenv("SCANHIVE_KAFKA_BROKERS")
		workerEnv["SCANHIVE_KAFKA_BROKERS"] = rawBrokers

		kafkaBus, err := kafka.ConnectWithRetry(&kafka.ClientConfig{
			Brokers:  strings.Split(rawBrokers, ","),
			ClientID: svcName,
		}, log, tracer, orchMetrics)
		if err != nil {
			log.Error(ctx, "failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		bus = kafkaBus
	default:
		log.Error(ctx, "unknown SCANHIVE_BROKER", "broker", broker)
		os.Exit(1)
	}

	resolvedCreds, err := cfg.ResolvedCredentialSpecs()
	if err != nil {
		log.Error(ctx, "failed to resolve credential sets", "error", err)
		os.Exit(1)
	}
	if len(resolvedCreds) > 0 {
		credsJSON, err := json.Marshal(resolvedCreds)
		if err != nil {
			log.Error(ctx, "failed to marshal credential sets", "error", err)
			os.Exit(1)
		}
		workerEnv["SCANHIVE_CREDENTIALS"] = string(credsJSON)
	}

	// Stage tool command lines are deployment config; forward them verbatim.
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SCANHIVE_TOOL_") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				workerEnv[k] = v
			}
		}
	}

	workerImage := os.Getenv("SCANHIVE_WORKER_IMAGE")
	if workerImage == "" {
		log.Error(ctx, "SCANHIVE_WORKER_IMAGE environment variable must be set")
		os.Exit(1)
	}

	k8sClient, err := launcherk8s.NewClient()
	if err != nil {
		log.Error(ctx, "failed to create kubernetes client", "error", err)
		os.Exit(1)
	}

	launcher, err := launcherk8s.NewLauncher(k8sClient, launcherk8s.Config{
		Namespace:      namespace,
		WorkerImage:    workerImage,
		ServiceAccount: os.Getenv("SCANHIVE_WORKER_SERVICE_ACCOUNT"),
		Env:            workerEnv,
	}, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create worker launcher", "error", err)
		os.Exit(1)
	}

	jobStore := scanningStore.NewJobStore(pool, tracer)

	stageSets, err := cfg.StageCredentialSets()
	if err != nil {
		log.Error(ctx, "failed to map credential sets", "error", err)
		os.Exit(1)
	}

	orchestrator, err := orchestration.NewOrchestrator(orchestration.Config{
		PollInterval:    cfg.Orchestrator.PollInterval.Std(),
		MarkerReadBlock: cfg.Orchestrator.MarkerReadBlock.Std(),
		MaxJobDuration:  cfg.Orchestrator.MaxJobDuration.Std(),
		PageSize:        cfg.Orchestrator.PageSize,
		CredentialSets:  stageSets,
	}, bus, jobStore, launcher, log, orchMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to create orchestrator", "error", err)
		os.Exit(1)
	}
	orchestrator.Start(ctx)

	server, err := api.NewServer(api.Config{
		Host:  cfg.API.Host,
		Port:  cfg.API.Port,
		Ready: ready,
	}, log, orchestrator, apiMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to create api server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Leader.Enabled {
		coord, err := cluster.NewCoordinator(k8sClient, cluster.Config{
			Namespace: namespace,
			LockName:  cfg.Leader.LockName,
			Identity:  podName,
		}, log, tracer)
		if err != nil {
			log.Error(ctx, "failed to create leader coordinator", "error", err)
			os.Exit(1)
		}
		// Followers stay unready so the service only routes scans to the
		// replica that may launch workers.
		coord.OnLeadershipChange(func(isLeader bool) { ready.Store(isLeader) })
		coord.Start(ctx)
		defer coord.Stop()
	} else {
		ready.Store(true)
	}

	log.Info(ctx, "Orchestrator initialized")

	// Wait for either a signal or a server error.
	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Stop supervision before the transport it reads from.
		orchestrator.Stop()
		if err := bus.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close stream bus", "error", err)
		}

	case err := <-errCh:
		log.Error(ctx, "API server error", "error", err)
		os.Exit(1)
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations". It acquires a single pgx connection from the pool, runs
// migrations, and then releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	const migrationsPath = "file:///app/db/migrations"
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
