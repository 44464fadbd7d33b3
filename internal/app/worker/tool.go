package worker

import (
	"context"

	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
)

// Artifact is one discovery a stage tool produced: the raw value plus any
// enrichment the tool observed along the way.
type Artifact struct {
	Value      string
	Enrichment catalog.Enrichment
}

// Tool runs one stage's scanning program over a batch of inputs and returns
// the artifacts it discovered. A batch-level error means the batch produced
// nothing usable; the runner logs it and moves on rather than aborting the
// stage.
type Tool interface {
	Run(ctx context.Context, stage pipeline.StageKind, inputs []string) ([]Artifact, error)
}
