package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/corvusec/scanhive/internal/domain/credentials"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

// CredentialSource supplies and paces the pooled credentials tool batches
// run under.
type CredentialSource interface {
	Current() *credentials.Credential
	Rotate() *credentials.Credential
	WaitForSlot(ctx context.Context, cred *credentials.Credential) error
}

// credentialedTool decorates a Tool so every batch runs under a usable pool
// credential: wait out the credential's pacing delay, bind it to the
// invocation context, count the use, and rotate away from entries that are
// exhausted or cooling down.
type credentialedTool struct {
	base   Tool
	source CredentialSource
	logger *logger.Logger
}

// NewCredentialedTool wraps base with credential selection from source.
func NewCredentialedTool(base Tool, source CredentialSource, log *logger.Logger) (Tool, error) {
	if base == nil {
		return nil, fmt.Errorf("credentialed tool: missing base tool")
	}
	if source == nil {
		return nil, fmt.Errorf("credentialed tool: missing credential source")
	}
	return &credentialedTool{
		base:   base,
		source: source,
		logger: log.With("component", "credentialed_tool"),
	}, nil
}

func (t *credentialedTool) Run(ctx context.Context, stage pipeline.StageKind, inputs []string) ([]Artifact, error) {
	now := time.Now()

	cred := t.source.Current()
	if !cred.Usable(now) {
		rotated := t.source.Rotate()
		if rotated != cred {
			t.logger.Debug(ctx, "rotated away from unusable credential",
				"from", cred.Name(), "to", rotated.Name(), "stage", stage.String())
		}
		cred = rotated
	}
	// Rotate falls back to a plain advance when the whole pool is spent, so
	// the result still needs a usability check before we burn quota on it.
	if !cred.Usable(now) {
		return nil, fmt.Errorf("stage %s: no usable credential in pool", stage)
	}

	if err := t.source.WaitForSlot(ctx, cred); err != nil {
		return nil, err
	}

	cred.RecordUse(time.Now())
	return t.base.Run(credentials.WithCredential(ctx, cred), stage, inputs)
}
