package ingest

import (
	"maps"
	"time"

	"github.com/kalambet/dgpt/internal/storage"
)

// Kind is how content reaches the backend.
type Kind string

const (
	KindFile   Kind = "file"
	KindRemote Kind = "remote"
)

// Phase is the state of an ingestion job.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseUploading    Phase = "uploading"
	PhaseUploadFailed Phase = "upload_failed"
	PhaseQueued       Phase = "queued"
	PhaseTraining     Phase = "training"
	PhaseSucceeded    Phase = "succeeded"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseUploadFailed
}

// Job is a snapshot of one upload-then-train cycle.
type Job struct {
	ID       string
	Name     string
	Kind     Kind
	Ingestor IngestorType
	Config   Config
	Phase    Phase
	// Percentage never decreases within a phase.
	Percentage int
	TaskID     string
	// TokenLimited is set when training stopped at the backend's token ceiling.
	TokenLimited bool
	Err          error
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (j Job) clone() Job {
	j.Config = maps.Clone(j.Config)
	return j
}

func (j Job) record() storage.TaskRecord {
	r := storage.TaskRecord{
		TaskID:       j.TaskID,
		Name:         j.Name,
		Kind:         string(j.Kind),
		Ingestor:     string(j.Ingestor),
		Phase:        string(j.Phase),
		Percentage:   j.Percentage,
		TokenLimited: j.TokenLimited,
	}
	if j.Err != nil {
		r.LastError = j.Err.Error()
	}
	return r
}

func clampPercent(n int) int {
	return min(max(n, 0), 100)
}
