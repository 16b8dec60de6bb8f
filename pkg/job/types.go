// Package job implements the metadata store (C1) and job registry
// (C2): it persists job definitions and orchestrates creation/deletion
// of the storage, indexes, and change-capture objects each job owns.
package job

import (
	"encoding/json"
	"time"
)

// Metric is the distance metric tag a job searches with.
type Metric string

const (
	Cosine       Metric = "cosine"
	L2           Metric = "l2"
	InnerProduct Metric = "inner_product"
)

// TableMethod selects where a job's embeddings live.
type TableMethod string

const (
	Join   TableMethod = "join"
	Append TableMethod = "append"
)

// Status is a job's operational state, an expansion over the bare
// spec's silence on what "the job" looks like once SchemaDrift hits.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
)

// Source describes the table a job watches.
type Source struct {
	Schema          string   `json:"schema"`
	Relation        string   `json:"relation"`
	PrimaryKey      string   `json:"primary_key"`
	PrimaryKeyType  string   `json:"primary_key_type"`
	TextColumns     []string `json:"text_columns"`
	UpdateColumn    string   `json:"update_column,omitempty"`
}

// Spec is the caller-supplied description of a job to create.
type Spec struct {
	Name        string
	Source      Source
	Transformer string
	SearchAlg   Metric
	TableMethod TableMethod
	Schedule    string // "realtime" or a cron expression
}

// Job is a named unit of maintenance, persisted in the metadata
// store. Params is the frozen JSON snapshot written at creation and
// holds Source; the other fields above it are read from their own
// columns of the job row, which are likewise never updated.
type Job struct {
	ID             int64
	Name           string
	Source         Source
	Transformer    string
	SearchAlg      Metric
	TableMethod    TableMethod
	Schedule       string
	Dimension      int
	Params         json.RawMessage
	Status         Status
	LastCompletion *time.Time
}

// EmbeddingsTable returns the deterministic name of J's side table
// (join method) — all derived object names are pure functions of Name.
func (j *Job) EmbeddingsTable() string { return "_embeddings_" + j.Name }

// AppendColumns returns the deterministic column names for the append
// method.
func (j *Job) AppendColumns() (vectorCol, updatedAtCol string) {
	return j.Name + "_embeddings", j.Name + "_updated_at"
}

// QueueName is the deterministic work-queue name for J.
func (j *Job) QueueName() string { return "vectorize_queue_" + j.Name }

// TriggerName is the deterministic realtime-trigger name for J.
func (j *Job) TriggerName(event string) string { return "vectorize_trg_" + j.Name + "_" + event }

// CronEntryName is the deterministic cron registration name for J.
func (j *Job) CronEntryName() string { return "vectorize_cron_" + j.Name }
