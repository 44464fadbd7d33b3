// Package pipeline models the execution topology of a scan job: the closed
// set of stage kinds, the adjacency rules between them, the per-stage launch
// descriptor handed to the worker launcher, and the resource tiers that size
// a worker to its target count.
package pipeline

import (
	"fmt"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// StageKind identifies one pipeline step. The set is closed; callers supply
// module lists at runtime but every entry must parse to one of these kinds.
type StageKind string

const (
	// StageEnumeration discovers subdomains for the target domains.
	StageEnumeration StageKind = "enumeration"
	// StageDNS resolves discovered hostnames to records.
	StageDNS StageKind = "dns"
	// StageHTTP probes hostnames for live web services.
	StageHTTP StageKind = "http"
	// StageCrawl crawls live services for endpoints.
	StageCrawl StageKind = "crawl"
	// StageHistory looks up historical URLs for live hosts.
	StageHistory StageKind = "history"
)

// stageOrder fixes the canonical position of each stage within a job.
var stageOrder = map[StageKind]int{
	StageEnumeration: 0,
	StageDNS:         1,
	StageHTTP:        2,
	StageCrawl:       3,
	StageHistory:     4,
}

// allowedUpstreams lists the stages each kind may consume, in preference
// order. A requested stage binds to the first entry also present in the job;
// with none present it falls back to seed input. Enumeration never consumes
// another stage.
var allowedUpstreams = map[StageKind][]StageKind{
	StageEnumeration: nil,
	StageDNS:         {StageEnumeration},
	StageHTTP:        {StageEnumeration},
	StageCrawl:       {StageHTTP},
	StageHistory:     {StageCrawl, StageHTTP},
}

// KnownStages returns every stage kind in canonical order.
func KnownStages() []StageKind {
	return []StageKind{StageEnumeration, StageDNS, StageHTTP, StageCrawl, StageHistory}
}

// ParseStageKind converts a string into a StageKind.
func ParseStageKind(s string) (StageKind, error) {
	k := StageKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown stage kind %q", s)
	}
	return k, nil
}

// Valid reports whether the kind is one of the closed set.
func (k StageKind) Valid() bool {
	_, ok := stageOrder[k]
	return ok
}

// String returns the wire representation of the kind.
func (k StageKind) String() string { return string(k) }

// OutputStreamKey names the stream a stage writes its discoveries to.
// Downstream stages and the orchestrator derive their read addresses from
// the same function, so the format is part of the wire contract.
func OutputStreamKey(jobID uuid.UUID, k StageKind) string {
	return fmt.Sprintf("%s:%s:output", jobID, k)
}
