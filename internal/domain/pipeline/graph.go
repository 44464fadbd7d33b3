package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoModules is returned when a job is submitted without any modules.
var ErrNoModules = errors.New("no modules requested")

// Stage is one node of a job's execution graph. Upstream names the stage
// whose output stream this node consumes; the zero value means the stage
// seeds itself (static targets or a paginated catalog read).
type Stage struct {
	Kind     StageKind
	Upstream StageKind
}

// HasUpstream reports whether the stage consumes another stage's output.
func (s Stage) HasUpstream() bool { return s.Upstream != "" }

// Graph is the validated execution topology for one job. Stages are held in
// canonical order; construction is the only producer so the adjacency rules
// cannot be bypassed by callers assembling module lists at runtime.
type Graph struct {
	stages []Stage
}

// BuildGraph validates the requested modules and binds each stage to its
// upstream. Module lists are caller-supplied and order-insensitive;
// duplicates and unknown kinds are rejected.
func BuildGraph(modules []StageKind) (*Graph, error) {
	if len(modules) == 0 {
		return nil, ErrNoModules
	}

	seen := make(map[StageKind]struct{}, len(modules))
	kinds := make([]StageKind, 0, len(modules))
	for _, m := range modules {
		if !m.Valid() {
			return nil, fmt.Errorf("unknown module %q", m)
		}
		if _, dup := seen[m]; dup {
			return nil, fmt.Errorf("duplicate module %q", m)
		}
		seen[m] = struct{}{}
		kinds = append(kinds, m)
	}

	sort.Slice(kinds, func(i, j int) bool {
		return stageOrder[kinds[i]] < stageOrder[kinds[j]]
	})

	stages := make([]Stage, 0, len(kinds))
	for _, k := range kinds {
		stage := Stage{Kind: k}
		for _, candidate := range allowedUpstreams[k] {
			if _, ok := seen[candidate]; ok {
				stage.Upstream = candidate
				break
			}
		}
		stages = append(stages, stage)
	}

	return &Graph{stages: stages}, nil
}

// Stages returns the graph's stages in canonical order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// Contains reports whether the graph includes the given kind.
func (g *Graph) Contains(k StageKind) bool {
	for _, s := range g.stages {
		if s.Kind == k {
			return true
		}
	}
	return false
}

// Levels groups stages into launch waves: a stage's wave is one past its
// upstream's wave, and stages that seed themselves start in wave zero. Stages
// sharing a wave run in parallel.
func (g *Graph) Levels() [][]Stage {
	level := make(map[StageKind]int, len(g.stages))
	maxLevel := 0
	for _, s := range g.stages {
		l := 0
		if s.HasUpstream() {
			l = level[s.Upstream] + 1
		}
		level[s.Kind] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]Stage, maxLevel+1)
	for _, s := range g.stages {
		l := level[s.Kind]
		waves[l] = append(waves[l], s)
	}
	return waves
}
