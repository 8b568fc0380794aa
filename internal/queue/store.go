package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sl224/casparianflow-sub008/internal/job"
)

// ErrNotFound lets callers distinguish "no row" from a transport/driver
// failure with errors.Is.
var ErrNotFound = errors.New("queue: not found")

// ErrNoEligibleJob is returned by Claim when nothing matches; it is an
// expected, routine signal to the dispatch loop, not a failure.
var ErrNoEligibleJob = errors.New("queue: no eligible job")

// Store is the durable job-queue store.
type Store struct {
	db *gorm.DB
}

// New wraps an already-opened, migrated *gorm.DB.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// Submit inserts a new PENDING job and returns its assigned id.
func (s *Store) Submit(ctx context.Context, j job.Job) (string, error) {
	sinks, err := encodeSinks(j.Sinks)
	if err != nil {
		return "", err
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	row := jobRow{
		State:         string(job.StatePending),
		PluginName:    j.PluginName,
		SourceHash:    encodeHash(j.SourceHash),
		EnvHash:       encodeHash(j.EnvHash),
		PluginPayload: j.PluginPayload,
		InputPath:     j.InputPath,
		Sinks:         sinks,
		SubmittedAt:   time.Now(),
		MaxAttempts:   maxAttempts,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("queue: submit: %w", err)
	}
	return row.ID.String(), nil
}

// Claim atomically selects the oldest PENDING job matching any of caps,
// marks it RUNNING under workerID's lease, and bumps its dispatch
// generation. A capability with an empty PluginName matches any job's
// plugin_name under that env_hash. Returns ErrNoEligibleJob when nothing
// matches — callers must not treat that as an error condition.
func (s *Store) Claim(ctx context.Context, workerID string, caps []job.Capability, leaseFor time.Duration) (job.Job, error) {
	if len(caps) == 0 {
		return job.Job{}, ErrNoEligibleJob
	}
	conds := make([]string, len(caps))
	args := make([]interface{}, 0, len(caps)*3)
	for i, c := range caps {
		conds[i] = "(env_hash = ? AND (? = '' OR plugin_name = ?))"
		args = append(args, encodeHash(c.EnvHash), c.PluginName, c.PluginName)
	}
	whereSQL := strings.Join(conds, " OR ")

	var claimed jobRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate jobRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("state = ?", string(job.StatePending)).
			Where(whereSQL, args...).
			Order("submitted_at ASC, id ASC").
			Limit(1)

		if err := q.First(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoEligibleJob
			}
			return err
		}

		updates := map[string]interface{}{
			"state":           string(job.StateRunning),
			"lease_worker_id": workerID,
			"lease_deadline":  time.Now().Add(leaseFor),
			"dispatch_gen":    candidate.DispatchGen + 1,
			"attempt":         candidate.Attempt + 1,
		}
		result := tx.Model(&jobRow{}).Where("id = ? AND dispatch_gen = ?", candidate.ID, candidate.DispatchGen).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race to another claimant between the select and the
			// update — report as no eligible job rather than retrying here;
			// the dispatch loop's next tick will pick up whatever remains.
			return ErrNoEligibleJob
		}

		if err := tx.Where("id = ?", candidate.ID).First(&claimed).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoEligibleJob) {
			return job.Job{}, ErrNoEligibleJob
		}
		return job.Job{}, fmt.Errorf("queue: claim: %w", err)
	}
	return toJob(claimed)
}

// Heartbeat extends a RUNNING job's lease, guarded by dispatch generation
// so a slow or reaped worker cannot extend a lease that was reassigned.
func (s *Store) Heartbeat(ctx context.Context, jobID string, dispatchGen uint64, leaseFor time.Duration) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("queue: invalid job id: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND state = ? AND dispatch_gen = ?", id, string(job.StateRunning), dispatchGen).
		Update("lease_deadline", time.Now().Add(leaseFor))
	if result.Error != nil {
		return fmt.Errorf("queue: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete transitions a RUNNING job to COMPLETED and records its receipt.
func (s *Store) Complete(ctx context.Context, r job.Receipt, dispatchGen uint64) error {
	return s.conclude(ctx, r, dispatchGen, job.StateCompleted)
}

// Fail transitions a job back to PENDING for retry, or to
// PERMANENTLY_FAILED when its attempts are exhausted or the receipt's
// error kind is permanent (retrying a SCHEMA_MISMATCH reproduces it
// deterministically, so remaining attempts are not burned on it). The
// receipt is recorded either way.
func (s *Store) Fail(ctx context.Context, r job.Receipt, dispatchGen uint64) error {
	id, err := uuid.Parse(r.JobID)
	if err != nil {
		return fmt.Errorf("queue: invalid job id: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.Where("id = ? AND dispatch_gen = ?", id, dispatchGen).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		nextState := job.StatePending
		if r.ErrorKind.Permanent() || row.Attempt >= row.MaxAttempts {
			nextState = job.StatePermanentlyFailed
		}

		updates := map[string]interface{}{
			"state":           string(nextState),
			"last_error_kind": string(r.ErrorKind),
			"last_error_msg":  r.ErrorMessage,
			"lease_worker_id": "",
		}
		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return err
		}
		return writeReceipt(tx, r)
	})
}

func (s *Store) conclude(ctx context.Context, r job.Receipt, dispatchGen uint64, state job.State) error {
	id, err := uuid.Parse(r.JobID)
	if err != nil {
		return fmt.Errorf("queue: invalid job id: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&jobRow{}).
			Where("id = ? AND dispatch_gen = ?", id, dispatchGen).
			Updates(map[string]interface{}{
				"state":           string(state),
				"lease_worker_id": "",
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return writeReceipt(tx, r)
	})
}

func writeReceipt(tx *gorm.DB, r job.Receipt) error {
	row := receiptRow{
		JobID:        r.JobID,
		Success:      r.Success,
		ErrorKind:    string(r.ErrorKind),
		ErrorMessage: r.ErrorMessage,
		RowsWritten:  r.RowsWritten,
		BytesWritten: r.BytesWritten,
		DurationMs:   r.DurationMs,
		ConcludedAt:  r.ConcludedAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"success", "error_kind", "error_message", "rows_written", "bytes_written", "duration_ms", "concluded_at"}),
	}).Create(&row).Error
}

// ReapExpired transitions every RUNNING job whose lease has expired back
// to PENDING (or PERMANENTLY_FAILED if it has exhausted its attempts),
// recovering work abandoned by a dead or partitioned worker. Returns the
// number of jobs reaped.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	var reaped int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []jobRow
		if err := tx.Where("state = ? AND lease_deadline < ?", string(job.StateRunning), time.Now()).Find(&expired).Error; err != nil {
			return err
		}
		for _, row := range expired {
			nextState := job.StatePending
			if row.Attempt >= row.MaxAttempts {
				nextState = job.StatePermanentlyFailed
			}
			result := tx.Model(&jobRow{}).Where("id = ? AND dispatch_gen = ?", row.ID, row.DispatchGen).Updates(map[string]interface{}{
				"state":           string(nextState),
				"lease_worker_id": "",
				"last_error_kind": string(job.ErrKindWorkerLost),
				"last_error_msg":  "lease expired: claimant did not heartbeat",
			})
			if result.Error != nil {
				return result.Error
			}
			reaped += result.RowsAffected
		}
		return nil
	})
	return reaped, err
}

// ListPending returns PENDING jobs whose env_hash is in envHashes, oldest
// first, for use by callers that need a read-only view without claiming.
func (s *Store) ListPending(ctx context.Context, envHashes [][32]byte) ([]job.Job, error) {
	hexHashes := make([]string, len(envHashes))
	for i, h := range envHashes {
		hexHashes[i] = encodeHash(h)
	}
	var rows []jobRow
	q := s.db.WithContext(ctx).Where("state = ?", string(job.StatePending)).Order("submitted_at ASC")
	if len(hexHashes) > 0 {
		q = q.Where("env_hash IN ?", hexHashes)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	out := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := toJob(r)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// GetReceipt returns the durable outcome recorded for a concluded job.
func (s *Store) GetReceipt(ctx context.Context, jobID string) (job.Receipt, error) {
	var row receiptRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return job.Receipt{}, ErrNotFound
		}
		return job.Receipt{}, fmt.Errorf("queue: get receipt: %w", err)
	}
	return job.Receipt{
		JobID:        row.JobID,
		Success:      row.Success,
		ErrorKind:    job.ErrorKind(row.ErrorKind),
		ErrorMessage: row.ErrorMessage,
		RowsWritten:  row.RowsWritten,
		BytesWritten: row.BytesWritten,
		DurationMs:   row.DurationMs,
		ConcludedAt:  row.ConcludedAt,
	}, nil
}

// BulkAppendLogs persists buffered PROGRESS frames in one batch insert.
func (s *Store) BulkAppendLogs(ctx context.Context, entries []job.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]jobLogRow, len(entries))
	for i, e := range entries {
		rows[i] = jobLogRow{JobID: e.JobID, At: e.At, Phase: e.Phase, Rows: e.Rows, Bytes: e.Bytes, Message: e.Message}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("queue: bulk append logs: %w", err)
	}
	return nil
}

// RegisterPlugin upserts a plugin manifest entry as ACTIVE. A prior
// RETIRED row for the same (name, source_hash, env_hash) is reactivated
// rather than duplicated.
func (s *Store) RegisterPlugin(ctx context.Context, p job.Plugin) error {
	row := pluginRow{
		Name:       p.Name,
		SourceHash: encodeHash(p.SourceHash),
		EnvHash:    encodeHash(p.EnvHash),
		DeployedAt: p.DeployedAt,
		Status:     string(job.PluginActive),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "source_hash"}, {Name: "env_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"deployed_at", "status"}),
	}).Create(&row).Error
}

// RetirePlugin marks a plugin manifest entry RETIRED; dispatch no longer
// considers it when resolving a job's executable image.
func (s *Store) RetirePlugin(ctx context.Context, name string, sourceHash, envHash [32]byte) error {
	result := s.db.WithContext(ctx).Model(&pluginRow{}).
		Where("name = ? AND source_hash = ? AND env_hash = ?", name, encodeHash(sourceHash), encodeHash(envHash)).
		Update("status", string(job.PluginRetired))
	if result.Error != nil {
		return fmt.Errorf("queue: retire plugin: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivePlugin returns the ACTIVE manifest entry for (name, sourceHash,
// envHash), or ErrNotFound if none is registered or it has been retired.
func (s *Store) ActivePlugin(ctx context.Context, name string, sourceHash, envHash [32]byte) (job.Plugin, error) {
	var row pluginRow
	err := s.db.WithContext(ctx).
		Where("name = ? AND source_hash = ? AND env_hash = ? AND status = ?", name, encodeHash(sourceHash), encodeHash(envHash), string(job.PluginActive)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return job.Plugin{}, ErrNotFound
		}
		return job.Plugin{}, fmt.Errorf("queue: active plugin: %w", err)
	}
	return toPlugin(row)
}
