package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"

	appcreds "github.com/corvusec/scanhive/internal/app/credentials"
	"github.com/corvusec/scanhive/internal/app/worker"
	"github.com/corvusec/scanhive/internal/config"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/stream"
	catalogStore "github.com/corvusec/scanhive/internal/infra/storage/catalog/postgres"
	"github.com/corvusec/scanhive/internal/infra/stream/kafka"
	"github.com/corvusec/scanhive/internal/infra/stream/redis"
	"github.com/corvusec/scanhive/internal/infra/tools"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/otel"
)

const (
	serviceType = "worker"
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

	svcName := fmt.Sprintf("WORKER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A terminating pod receives SIGTERM; cancel lets the runner stop
	// between batches instead of mid-invocation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize telemetry.
	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
		os.Exit(1)
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Probability:      prob,
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

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Error(ctx, "failed to load worker config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid worker config", "error", err)
		os.Exit(1)
	}
	spec, err := cfg.Spec()
	if err != nil {
		log.Error(ctx, "invalid worker spec", "error", err)
		os.Exit(1)
	}

	mp := otel.GetMeterProvider()
	workerMetrics, err := worker.NewWorkerMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	var bus stream.Bus
	switch cfg.Broker {
	case config.BrokerRedis:
		client, err := redis.ConnectWithRetry(ctx, &redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, log)
		if err != nil {
			log.Error(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		bus = redis.NewBus(client, log, tracer, workerMetrics)
	case config.BrokerKafka:
		kafkaBus, err := kafka.ConnectWithRetry(&kafka.ClientConfig{
			Brokers:  cfg.KafkaBrokers,
			ClientID: svcName,
		}, log, tracer, workerMetrics)
		if err != nil {
			log.Error(ctx, "failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		bus = kafkaBus
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}

	repo := catalogStore.NewCatalogStore(pool, tracer)

	commands := make(map[pipeline.StageKind]tools.Command, len(cfg.Tools))
	for stage, line := range cfg.Tools {
		kind, err := pipeline.ParseStageKind(stage)
		if err != nil {
			log.Error(ctx, "unknown stage in tool config", "stage", stage, "error", err)
			os.Exit(1)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		commands[kind] = tools.Command{Path: fields[0], Args: fields[1:]}
	}

	execTool, err := tools.NewExecTool(tools.Config{
		Commands:     commands,
		BatchTimeout: cfg.ToolTimeout,
	}, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create exec tool", "error", err)
		os.Exit(1)
	}

	var tool worker.Tool = execTool
	if set := spec.CredentialSet(); set != "" {
		credPool, err := cfg.CredentialPool(set)
		if err != nil {
			log.Error(ctx, "failed to build credential pool", "set", set, "error", err)
			os.Exit(1)
		}
		rotator, err := appcreds.NewRotator(credPool, appcreds.Config{}, log)
		if err != nil {
			log.Error(ctx, "failed to create credential rotator", "set", set, "error", err)
			os.Exit(1)
		}
		go rotator.Run(ctx)

		tool, err = worker.NewCredentialedTool(execTool, rotator, log)
		if err != nil {
			log.Error(ctx, "failed to wrap tool with credentials", "error", err)
			os.Exit(1)
		}
	}

	runner, err := worker.NewRunner(spec, worker.RunnerConfig{Consumer: hostname}, bus, repo, tool, log, workerMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to create worker runner", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Worker initialized",
		"stage", spec.Stage().String(), "mode", spec.Mode().String(), "job_id", spec.JobID().String())

	runErr := runner.Run(ctx)

	// Release transports before reporting; the exit status is the launcher's
	// completion signal for this worker.
	if err := bus.Close(); err != nil {
		log.Error(ctx, "Failed to close stream bus", "error", err)
	}
	pool.Close()
	telemetryTeardown(context.Background())

	if runErr != nil {
		log.Error(ctx, "Worker: Stage failed", "error", runErr)
		os.Exit(1)
	}
	log.Info(ctx, "Worker: Stage complete")
}
