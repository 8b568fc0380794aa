package queue

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sl224/casparianflow-sub008/internal/job"
)

// base provides UUIDv7 (time-ordered) primary keys. GORM cannot resolve
// foreign keys when the primary key is uuid.UUID, so related rows are
// loaded via explicit queries rather than embedded associations.
type base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// jobRow is the persisted representation of job.Job.
type jobRow struct {
	base
	State         string
	PluginName    string
	SourceHash    string // hex-encoded [32]byte
	EnvHash       string // hex-encoded [32]byte
	PluginPayload []byte
	InputPath     string
	Sinks         []byte // encoded []job.SinkDescriptor
	SubmittedAt   time.Time
	LeaseWorkerID string
	LeaseDeadline time.Time
	DispatchGen   uint64
	Attempt       uint32
	MaxAttempts   uint32
	LastErrorKind string
	LastErrorMsg  string
}

func (jobRow) TableName() string { return "jobs" }

// pluginRow is the persisted representation of job.Plugin: the manifest
// entry recording which (name, source_hash, env_hash) triples are known
// to the fleet and whether they're still eligible for new dispatches.
type pluginRow struct {
	base
	Name       string
	SourceHash string // hex-encoded [32]byte
	EnvHash    string // hex-encoded [32]byte
	DeployedAt time.Time
	Status     string
}

func (pluginRow) TableName() string { return "plugins" }

func toPlugin(r pluginRow) (job.Plugin, error) {
	sourceHash, err := decodeHash(r.SourceHash)
	if err != nil {
		return job.Plugin{}, err
	}
	envHash, err := decodeHash(r.EnvHash)
	if err != nil {
		return job.Plugin{}, err
	}
	return job.Plugin{
		Name:       r.Name,
		SourceHash: sourceHash,
		EnvHash:    envHash,
		DeployedAt: r.DeployedAt,
		Status:     job.PluginStatus(r.Status),
	}, nil
}

// jobLogRow is an append-only bulk-insert target for buffered PROGRESS
// frames.
type jobLogRow struct {
	base
	JobID   string `gorm:"index"`
	At      time.Time
	Phase   string
	Rows    uint64
	Bytes   uint64
	Message string
}

func (jobLogRow) TableName() string { return "job_logs" }

// receiptRow is the durable CONCLUDE outcome for a job.
type receiptRow struct {
	base
	JobID        string `gorm:"uniqueIndex"`
	Success      bool
	ErrorKind    string
	ErrorMessage string
	RowsWritten  uint64
	BytesWritten uint64
	DurationMs   uint64
	ConcludedAt  time.Time
}

func (receiptRow) TableName() string { return "receipts" }

func toJob(r jobRow) (job.Job, error) {
	envHash, err := decodeHash(r.EnvHash)
	if err != nil {
		return job.Job{}, err
	}
	sourceHash, err := decodeHash(r.SourceHash)
	if err != nil {
		return job.Job{}, err
	}
	sinks, err := decodeSinks(r.Sinks)
	if err != nil {
		return job.Job{}, err
	}
	return job.Job{
		ID:            r.ID.String(),
		State:         job.State(r.State),
		PluginName:    r.PluginName,
		SourceHash:    sourceHash,
		EnvHash:       envHash,
		PluginPayload: r.PluginPayload,
		InputPath:     r.InputPath,
		Sinks:         sinks,
		SubmittedAt:   r.SubmittedAt,
		LeaseWorkerID: r.LeaseWorkerID,
		LeaseDeadline: r.LeaseDeadline,
		DispatchGen:   r.DispatchGen,
		Attempt:       r.Attempt,
		MaxAttempts:   r.MaxAttempts,
		LastErrorKind: job.ErrorKind(r.LastErrorKind),
		LastErrorMsg:  r.LastErrorMsg,
	}, nil
}
