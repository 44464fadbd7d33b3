// Package config defines the orchestrator's file-based configuration and the
// environment contract stage workers are launched with.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/corvusec/scanhive/internal/domain/credentials"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
)

// Duration wraps time.Duration so yaml values can be written as "90s" or
// "4h" instead of raw nanosecond counts.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("parsing duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("duration must be a string like %q or a nanosecond count", "90s")
	}
	*d = Duration(ns)
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the orchestrator's top-level configuration.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Debug        DebugConfig        `yaml:"debug"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Leader       LeaderConfig       `yaml:"leader_election"`

	// Credentials maps a set name to the credentials in that pool. Stages
	// reference sets by name through orchestrator.credential_sets.
	Credentials map[string][]CredentialSpec `yaml:"credentials" validate:"omitempty,dive,min=1,dive"`
}

// APIConfig is the control surface's listen address.
type APIConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port" validate:"required,numeric"`
}

// DebugConfig is the pprof/expvar/statsviz listen address.
type DebugConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port" validate:"required,numeric"`
}

// OrchestratorConfig tunes job supervision.
type OrchestratorConfig struct {
	// PollInterval is how often job watches sweep markers and worker state.
	PollInterval Duration `yaml:"poll_interval"`

	// MarkerReadBlock bounds each blocking read on a completion stream.
	MarkerReadBlock Duration `yaml:"marker_read_block"`

	// MaxJobDuration is the wall clock ceiling after which a job fails.
	MaxJobDuration Duration `yaml:"max_job_duration"`

	// PageSize is the catalog cursor size for paginated-fetch stages.
	PageSize int `yaml:"page_size" validate:"omitempty,min=1"`

	// CredentialSets assigns a credential pool to each stage that calls a
	// quota-limited service. Keys are stage kinds, values are set names.
	CredentialSets map[string]string `yaml:"credential_sets" validate:"omitempty,dive,required"`
}

// LeaderConfig controls the optional kubernetes leader election. When
// disabled every replica launches workers, which is only safe single-replica.
type LeaderConfig struct {
	Enabled  bool   `yaml:"enabled"`
	LockName string `yaml:"lock_name"`
}

// CredentialSpec is one pool entry. The secret is given inline or named by
// the environment variable holding it; referencing the environment keeps
// secrets out of checked-in files.
type CredentialSpec struct {
	Name         string `yaml:"name" json:"name" validate:"required"`
	Secret       string `yaml:"secret" json:"secret" validate:"required_without=SecretEnv"`
	SecretEnv    string `yaml:"secret_env" json:"secret_env,omitempty" validate:"required_without=Secret"`
	DailyQuota   int64  `yaml:"daily_quota" json:"daily_quota" validate:"min=0"`
	MonthlyQuota int64  `yaml:"monthly_quota" json:"monthly_quota" validate:"min=0"`
}

// ApplyDefaults fills the listen addresses and lock name so a minimal file
// still boots.
func (c *Config) ApplyDefaults() {
	if c.API.Port == "" {
		c.API.Port = "8080"
	}
	if c.Debug.Host == "" {
		c.Debug.Host = "localhost"
	}
	if c.Debug.Port == "" {
		c.Debug.Port = "6060"
	}
	if c.Leader.LockName == "" {
		c.Leader.LockName = "scanhive-orchestrator-leader"
	}
}

// Validate checks the struct tags plus the references tags cannot express:
// credential_sets keys must be real stage kinds and their values must name
// configured credential sets.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	for stage, set := range c.Orchestrator.CredentialSets {
		if _, err := pipeline.ParseStageKind(stage); err != nil {
			return fmt.Errorf("config validation: credential_sets: %w", err)
		}
		if _, ok := c.Credentials[set]; !ok {
			return fmt.Errorf("config validation: stage %s references unknown credential set %q", stage, set)
		}
	}
	return nil
}

// StageCredentialSets converts the stage-to-set table into domain stage kinds.
func (c *Config) StageCredentialSets() (map[pipeline.StageKind]string, error) {
	out := make(map[pipeline.StageKind]string, len(c.Orchestrator.CredentialSets))
	for stage, set := range c.Orchestrator.CredentialSets {
		kind, err := pipeline.ParseStageKind(stage)
		if err != nil {
			return nil, fmt.Errorf("credential_sets: %w", err)
		}
		out[kind] = set
	}
	return out, nil
}

// CredentialPools materializes the configured sets into domain credential
// pools, resolving env-referenced secrets at call time.
func (c *Config) CredentialPools() (map[string][]*credentials.Credential, error) {
	pools := make(map[string][]*credentials.Credential, len(c.Credentials))
	for set, specs := range c.Credentials {
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
		pools[set] = pool
	}
	return pools, nil
}

// ResolvedCredentialSpecs returns the credential sets with every secret
// materialized, ready to hand to launched workers. Env references are
// resolved once here so workers never depend on the orchestrator's
// environment variables being mirrored into theirs.
func (c *Config) ResolvedCredentialSpecs() (map[string][]CredentialSpec, error) {
	if len(c.Credentials) == 0 {
		return nil, nil
	}
	out := make(map[string][]CredentialSpec, len(c.Credentials))
	for set, specs := range c.Credentials {
		resolved := make([]CredentialSpec, 0, len(specs))
		for _, spec := range specs {
			if spec.Secret == "" {
				spec.Secret = os.Getenv(spec.SecretEnv)
				if spec.Secret == "" {
					return nil, fmt.Errorf("credential set %s: %s: environment variable %s is empty", set, spec.Name, spec.SecretEnv)
				}
			}
			spec.SecretEnv = ""
			resolved = append(resolved, spec)
		}
		out[set] = resolved
	}
	return out, nil
}
