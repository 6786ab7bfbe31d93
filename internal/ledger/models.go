package ledger

import (
	"strings"
	"time"
)

// Stage is one ordered phase of the pipeline.
type Stage string

const (
	StageIngest  Stage = "ingest"
	StageEnrich  Stage = "enrich"
	StageCluster Stage = "cluster"
)

var stageOrder = []Stage{StageIngest, StageEnrich, StageCluster}

// Stages returns the pipeline stages in processing order.
func Stages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range stageOrder {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// Next returns the stage that follows s, or false when s is the last stage.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Status represents the lifecycle of a stage task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusDead       Status = "dead_lettered"
)

// Terminal reports whether no further transition can happen from this status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDead
}

// Task is one row of the ledger: a product's progress through one stage.
type Task struct {
	ID           int64
	ExternalID   string
	Marketplace  string
	Stage        Stage
	Status       Status
	Attempt      int
	ErrorMessage string
	NotBefore    *time.Time
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatKey identifies one cell of the ledger statistics.
type StatKey struct {
	Stage  Stage
	Status Status
}
