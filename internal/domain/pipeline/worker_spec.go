package pipeline

import (
	"fmt"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// ExecutionMode selects how a worker obtains its input. Modes are mutually
// exclusive per launch.
type ExecutionMode string

const (
	// ModeDirectInput feeds the worker a literal seed list at launch.
	ModeDirectInput ExecutionMode = "direct-input"
	// ModePaginatedFetch has the worker page seed artifacts out of the
	// catalog with an offset/limit cursor.
	ModePaginatedFetch ExecutionMode = "paginated-fetch"
	// ModeStreamConsumer has the worker consume an upstream stage's output
	// stream through a consumer group.
	ModeStreamConsumer ExecutionMode = "stream-consumer"
)

// ParseExecutionMode converts a string into an ExecutionMode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	m := ExecutionMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
	return m, nil
}

// Valid reports whether the mode is one of the closed set.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeDirectInput, ModePaginatedFetch, ModeStreamConsumer:
		return true
	}
	return false
}

// String returns the wire representation of the mode.
func (m ExecutionMode) String() string { return string(m) }

// SpecParams carries the inputs for building a WorkerSpec.
type SpecParams struct {
	JobID         uuid.UUID
	ScopeID       uuid.UUID
	Stage         StageKind
	Mode          ExecutionMode
	Profile       Profile
	InputStream   string
	OutputStream  string
	ConsumerGroup string
	Seeds         []string
	PageSize      int
	CredentialSet string
	BatchIndex    int
	BatchCount    int
	TotalTargets  int
}

// WorkerSpec is one stage's launch descriptor. It is immutable once built:
// the launcher consumes it exactly once and nothing may retune a worker
// after the launch call, so every field is fixed at construction and
// accessors return copies.
type WorkerSpec struct {
	jobID         uuid.UUID
	scopeID       uuid.UUID
	stage         StageKind
	mode          ExecutionMode
	profile       Profile
	inputStream   string
	outputStream  string
	consumerGroup string
	seeds         []string
	pageSize      int
	credentialSet string
	batchIndex    int
	batchCount    int
	totalTargets  int
}

// NewWorkerSpec validates the params and builds an immutable WorkerSpec.
// Validation fails fast on missing launch parameters so misconfigured stages
// never reach the launcher.
func NewWorkerSpec(p SpecParams) (WorkerSpec, error) {
	if p.JobID == uuid.Nil {
		return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: missing job id", p.Stage)
	}
	if p.ScopeID == uuid.Nil {
		return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: missing scope id", p.Stage)
	}
	if !p.Stage.Valid() {
		return WorkerSpec{}, fmt.Errorf("worker spec: unknown stage kind %q", p.Stage)
	}
	if !p.Mode.Valid() {
		return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: unknown execution mode %q", p.Stage, p.Mode)
	}
	if p.Profile.IsZero() {
		return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: missing resource profile", p.Stage)
	}
	if p.OutputStream == "" {
		return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: missing output stream", p.Stage)
	}

	switch p.Mode {
	case ModeDirectInput:
		if len(p.Seeds) == 0 {
			return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: direct-input requires seeds", p.Stage)
		}
	case ModePaginatedFetch:
		if p.PageSize <= 0 {
			return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: paginated-fetch requires a page size", p.Stage)
		}
	case ModeStreamConsumer:
		if p.InputStream == "" {
			return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: stream-consumer requires an input stream", p.Stage)
		}
		if p.ConsumerGroup == "" {
			return WorkerSpec{}, fmt.Errorf("worker spec for stage %q: stream-consumer requires a consumer group", p.Stage)
		}
	}

	seeds := make([]string, len(p.Seeds))
	copy(seeds, p.Seeds)

	return WorkerSpec{
		jobID:         p.JobID,
		scopeID:       p.ScopeID,
		stage:         p.Stage,
		mode:          p.Mode,
		profile:       p.Profile,
		inputStream:   p.InputStream,
		outputStream:  p.OutputStream,
		consumerGroup: p.ConsumerGroup,
		seeds:         seeds,
		pageSize:      p.PageSize,
		credentialSet: p.CredentialSet,
		batchIndex:    p.BatchIndex,
		batchCount:    p.BatchCount,
		totalTargets:  p.TotalTargets,
	}, nil
}

// JobID returns the owning job's id.
func (w WorkerSpec) JobID() uuid.UUID { return w.jobID }

// ScopeID returns the dedup boundary the worker writes into.
func (w WorkerSpec) ScopeID() uuid.UUID { return w.scopeID }

// Stage returns the stage kind the worker runs.
func (w WorkerSpec) Stage() StageKind { return w.stage }

// Mode returns the worker's input mode.
func (w WorkerSpec) Mode() ExecutionMode { return w.mode }

// Profile returns the compute allocation for the worker.
func (w WorkerSpec) Profile() Profile { return w.profile }

// InputStream returns the stream key the worker consumes, if any.
func (w WorkerSpec) InputStream() string { return w.inputStream }

// OutputStream returns the stream key the worker publishes to.
func (w WorkerSpec) OutputStream() string { return w.outputStream }

// ConsumerGroup returns the group the worker reads under, if any.
func (w WorkerSpec) ConsumerGroup() string { return w.consumerGroup }

// Seeds returns a copy of the literal seed list for direct-input mode.
func (w WorkerSpec) Seeds() []string {
	out := make([]string, len(w.seeds))
	copy(out, w.seeds)
	return out
}

// PageSize returns the cursor size for paginated-fetch mode.
func (w WorkerSpec) PageSize() int { return w.pageSize }

// CredentialSet names the credential pool the stage draws from, empty when
// the stage calls no rate-limited API.
func (w WorkerSpec) CredentialSet() string { return w.credentialSet }

// BatchIndex returns the worker's position within a partitioned workload.
func (w WorkerSpec) BatchIndex() int { return w.batchIndex }

// BatchCount returns how many partitions the workload was split into.
func (w WorkerSpec) BatchCount() int { return w.batchCount }

// TotalTargets returns the in-scope domain count the profile was sized from.
func (w WorkerSpec) TotalTargets() int { return w.totalTargets }
