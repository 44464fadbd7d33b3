package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/corvusec/scanhive/internal/domain/credentials"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// envPrefix namespaces every worker environment variable, so the stage
// parameter SCANHIVE_MODULE and the launcher pass-through SCANHIVE_REDIS_ADDR
// share one contract.
const envPrefix = "SCANHIVE"

// Broker kinds a worker can be pointed at.
const (
	BrokerRedis = "redis"
	BrokerKafka = "kafka"
)

// WorkerConfig is a stage worker's launch-time configuration, bound from
// SCANHIVE_* environment variables. The launcher writes the stage parameters;
// the deployment supplies broker and store endpoints.
type WorkerConfig struct {
	Module        string
	ExecutionMode string
	JobID         string
	ScopeID       string
	Seeds         []string
	InputStream   string
	OutputStream  string
	ConsumerGroup string
	PageSize      int
	TotalTargets  int
	BatchIndex    int
	BatchCount    int
	CredentialSet string

	// Credentials carries the orchestrator's resolved credential sets as
	// JSON, so the worker can rebuild the pool its stage was assigned.
	Credentials map[string][]CredentialSpec

	Broker        string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	DatabaseURL   string

	// Tools maps a stage kind to the command line that runs it, e.g.
	// SCANHIVE_TOOL_DNS="dnsx -silent -json".
	Tools map[string]string

	// ToolTimeout bounds one tool invocation over one input batch.
	ToolTimeout time.Duration
}

// LoadWorkerConfig binds the worker environment. Malformed values fail here;
// missing required values fail in Validate so a worker never starts consuming
// with a partial contract.
func LoadWorkerConfig() (*WorkerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("broker", BrokerRedis)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("tool_timeout", "4m")

	cfg := &WorkerConfig{
		Module:        v.GetString("module"),
		ExecutionMode: v.GetString("execution_mode"),
		JobID:         v.GetString("job_id"),
		ScopeID:       v.GetString("scope_id"),
		InputStream:   v.GetString("input_stream"),
		OutputStream:  v.GetString("output_stream"),
		ConsumerGroup: v.GetString("consumer_group"),
		PageSize:      v.GetInt("page_size"),
		TotalTargets:  v.GetInt("total_targets"),
		BatchIndex:    v.GetInt("batch_index"),
		BatchCount:    v.GetInt("batch_count"),
		CredentialSet: v.GetString("credential_set"),
		Broker:        v.GetString("broker"),
		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		DatabaseURL:   v.GetString("database_url"),
		ToolTimeout:   v.GetDuration("tool_timeout"),
	}

	if raw := v.GetString("seeds"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Seeds); err != nil {
			return nil, fmt.Errorf("%s_SEEDS is not a JSON string array: %w", envPrefix, err)
		}
	}

	if raw := v.GetString("credentials"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("%s_CREDENTIALS is not a JSON credential set map: %w", envPrefix, err)
		}
	}

	if raw := v.GetString("kafka_brokers"); raw != "" {
		for _, broker := range strings.Split(raw, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	cfg.Tools = make(map[string]string)
	for _, stage := range pipeline.KnownStages() {
		if cmd := v.GetString("tool_" + stage.String()); cmd != "" {
			cfg.Tools[stage.String()] = cmd
		}
	}

	return cfg, nil
}

// Validate checks the infrastructure half of the contract. Stage launch
// parameters are validated by Spec, which delegates to the domain
// constructor.
func (c *WorkerConfig) Validate() error {
	switch c.Broker {
	case BrokerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%s_REDIS_ADDR is required for the redis broker", envPrefix)
		}
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("%s_KAFKA_BROKERS is required for the kafka broker", envPrefix)
		}
	default:
		return fmt.Errorf("%s_BROKER must be %q or %q, got %q", envPrefix, BrokerRedis, BrokerKafka, c.Broker)
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("%s_DATABASE_URL is required", envPrefix)
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("no stage tools configured; set %s_TOOL_<STAGE>", envPrefix)
	}
	return nil
}

// Spec rebuilds the worker's launch descriptor from the environment. The
// resource profile is re-derived from the same calculator the orchestrator
// sized the worker with, so it never travels over the environment.
func (c *WorkerConfig) Spec() (pipeline.WorkerSpec, error) {
	stage, err := pipeline.ParseStageKind(c.Module)
	if err != nil {
		return pipeline.WorkerSpec{}, fmt.Errorf("%s_MODULE: %w", envPrefix, err)
	}
	mode, err := pipeline.ParseExecutionMode(c.ExecutionMode)
	if err != nil {
		return pipeline.WorkerSpec{}, fmt.Errorf("%s_EXECUTION_MODE: %w", envPrefix, err)
	}
	jobID, err := uuid.Parse(c.JobID)
	if err != nil {
		return pipeline.WorkerSpec{}, fmt.Errorf("%s_JOB_ID: %w", envPrefix, err)
	}
	scopeID, err := uuid.Parse(c.ScopeID)
	if err != nil {
		return pipeline.WorkerSpec{}, fmt.Errorf("%s_SCOPE_ID: %w", envPrefix, err)
	}

	batchCount := c.BatchCount
	if batchCount < 1 {
		batchCount = 1
	}

	return pipeline.NewWorkerSpec(pipeline.SpecParams{
		JobID:         jobID,
		ScopeID:       scopeID,
		Stage:         stage,
		Mode:          mode,
		Profile:       c.profile(mode, batchCount),
		InputStream:   c.InputStream,
		OutputStream:  c.OutputStream,
		ConsumerGroup: c.ConsumerGroup,
		Seeds:         c.Seeds,
		PageSize:      c.PageSize,
		CredentialSet: c.CredentialSet,
		BatchIndex:    c.BatchIndex,
		BatchCount:    batchCount,
		TotalTargets:  c.TotalTargets,
	})
}

// profile mirrors the orchestrator's sizing: direct batches are sized by
// their own seed count, paginated fetchers by their share of the total, and
// stream consumers by the whole workload.
func (c *WorkerConfig) profile(mode pipeline.ExecutionMode, batchCount int) pipeline.Profile {
	switch mode {
	case pipeline.ModeDirectInput:
		return pipeline.ProfileFor(len(c.Seeds))
	case pipeline.ModePaginatedFetch:
		return pipeline.ProfileFor((c.TotalTargets + batchCount - 1) / batchCount)
	default:
		return pipeline.ProfileFor(c.TotalTargets)
	}
}

// CredentialPool materializes the named credential set into domain
// credentials. The orchestrator ships secrets inline, but env references
// still resolve here so a hand-deployed worker can keep secrets in its own
// environment.
func (c *WorkerConfig) CredentialPool(set string) ([]*credentials.Credential, error) {
	specs, ok := c.Credentials[set]
	if !ok {
		return nil, fmt.Errorf("%s_CREDENTIALS has no set %q", envPrefix, set)
	}

	pool := make([]*credentials.Credential, 0, len(specs))
	for _, spec := range specs {
		secret := spec.Secret
		if secret == "" {
			secret = os.Getenv(spec.SecretEnv)
			if secret == "" {
				return nil, fmt.Errorf("credential set %s: %s: environment variable %s is empty", set, spec.Name, spec.SecretEnv)
			}
		}
		cred, err := credentials.New(spec.Name, secret, spec.DailyQuota, spec.MonthlyQuota)
		if err != nil {
			return nil, fmt.Errorf("credential set %s: %w", set, err)
		}
		pool = append(pool, cred)
	}
	return pool, nil
}
