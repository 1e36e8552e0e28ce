// Package jobstore is the durable record of every job: the single place
// the Job state machine is read and written. Its mutating methods are
// called by the Orchestrator (insert, status changes, requeues), the
// Broker (claiming, heartbeats, retry requeues) and the ProgressPipeline
// (progress/terminal writes); everyone else reads.
package jobstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/dlmgr/internal/broker"
	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Compile-time check: Store satisfies the narrow interface broker.Broker
// depends on.
var _ broker.Store = (*Store)(nil)

const (
	table        = "jobs"
	metricsTable = "metrics"
)

const selectFields = "job_id as id, url, kind, status, stage, progress, speed, eta, " +
	"total_bytes, filename, output_path, error_code, error_message, options, " +
	"priority, attempts, reserved_by, reserved_until, created_at, updated_at"

// row is the SurrealDB wire shape for one jobs record. It carries the
// reservation fields the Broker owns in addition to the public Job fields
// models.Job exposes to callers.
type row struct {
	models.Job
	ReservedBy    string    `json:"reserved_by"`
	ReservedUntil time.Time `json:"reserved_until"`
}

// Store is the SurrealDB-backed JobStore.
type Store struct {
	db     *surrealdb.DB
	logger *logx.Logger
}

// New connects to SurrealDB, signs in, selects the namespace/database, and
// ensures the jobs table exists.
func New(ctx context.Context, cfg *config.StorageConfig, logger *logx.Logger) (*Store, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("jobstore: connect: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Username,
		"pass": cfg.Password,
	}); err != nil {
		return nil, fmt.Errorf("jobstore: sign in: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("jobstore: select namespace/database: %w", err)
	}

	for _, name := range []string{table, metricsTable} {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", name)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("jobstore: define table %s: %w", name, err)
		}
	}

	logger.Info().Str("address", cfg.Address).Str("namespace", cfg.Namespace).
		Str("database", cfg.Database).Msg("jobstore connected")

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.db.Close(context.Background())
	return nil
}

// Insert creates a new job row, in StatusQueued unless the caller set
// another status. The caller may supply the ID (Orchestrator.Submit mints a
// uuid before calling Insert); an empty ID is filled with a fresh uuid.
func (s *Store) Insert(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	sql := `CREATE $rid SET
		job_id = $job_id, url = $url, kind = $kind, status = $status, stage = $stage,
		progress = $progress, options = $options, priority = $priority, attempts = $attempts,
		reserved_by = "", reserved_until = time::epoch(0),
		created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID(table, job.ID),
		"job_id":     job.ID,
		"url":        job.URL,
		"kind":       job.Kind,
		"status":     job.Status,
		"stage":      models.StageQueue,
		"progress":   0.0,
		"options":    job.Options,
		"priority":   job.Priority,
		"attempts":   0,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore: insert: %w", err)
	}
	s.bumpDailyMetrics(ctx, "jobs_total", 0)
	return nil
}

// Get returns one job by ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + selectFields + " FROM " + table + " WHERE job_id = $id LIMIT 1"
	jobs, err := s.query(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// ListFilter narrows List's result set; zero values mean "no filter".
// Query performs a case-insensitive substring match over URL and Filename.
type ListFilter struct {
	Status models.Status
	Kind   models.Kind
	Query  string
	Limit  int
	Offset int
}

func (filter ListFilter) whereClause(vars map[string]any) string {
	var clauses []string
	if filter.Status != "" {
		clauses = append(clauses, "status = $status")
		vars["status"] = filter.Status
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = $kind")
		vars["kind"] = filter.Kind
	}
	if filter.Query != "" {
		clauses = append(clauses, "(string::lowercase(url) CONTAINS $query OR string::lowercase(filename) CONTAINS $query)")
		vars["query"] = strings.ToLower(filter.Query)
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// List returns a page of jobs matching filter ordered by CreatedAt
// descending, alongside the total count of jobs matching filter
// irrespective of pagination.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*models.Job, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	vars := map[string]any{"limit": limit, "offset": filter.Offset}
	where := filter.whereClause(vars)

	sql := "SELECT " + selectFields + " FROM " + table + where +
		" ORDER BY created_at DESC LIMIT $limit START $offset"
	jobs, err := s.query(ctx, sql, vars)
	if err != nil {
		return nil, 0, err
	}

	countVars := map[string]any{}
	countWhere := filter.whereClause(countVars)
	countSQL := "SELECT count() AS total FROM " + table + countWhere + " GROUP ALL"
	results, err := surrealdb.Query[[]struct {
		Total int `json:"total"`
	}](ctx, s.db, countSQL, countVars)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore: count: %w", err)
	}
	total := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		total = (*results)[0].Result[0].Total
	}

	return jobs, total, nil
}

// UpdateProgress applies a sparse progress delta to a running job. It does
// not change Status; terminal transitions go through SetTerminal.
func (s *Store) UpdateProgress(ctx context.Context, id string, delta models.ProgressDelta) error {
	sql := "UPDATE " + table + " SET updated_at = $now"
	vars := map[string]any{
		"id":  id,
		"now": time.Now().UTC(),
	}
	if delta.Progress != nil {
		sql += ", progress = $progress"
		vars["progress"] = models.Clamp(*delta.Progress)
	}
	if delta.Stage != "" {
		sql += ", stage = $stage"
		vars["stage"] = delta.Stage
	}
	if delta.Speed != "" {
		sql += ", speed = $speed"
		vars["speed"] = delta.Speed
	}
	if delta.ETA != nil {
		sql += ", eta = $eta"
		vars["eta"] = *delta.ETA
	}
	if delta.TotalBytes != nil {
		sql += ", total_bytes = $total_bytes"
		vars["total_bytes"] = *delta.TotalBytes
	}
	sql += " WHERE job_id = $id"

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore: update progress: %w", err)
	}
	return nil
}

// SetStatus writes a job's status, refusing to move it out of a terminal
// status — ResetForRetry is the only path back from completed/failed/
// cancelled. A write refused by that guard returns IllegalTransition.
func (s *Store) SetStatus(ctx context.Context, id string, status models.Status) error {
	sql := `UPDATE ` + table + ` SET status = $status, updated_at = $now
		WHERE job_id = $id AND status NOTINSIDE $terminal RETURN AFTER`
	vars := map[string]any{
		"id":       id,
		"status":   status,
		"terminal": []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
		"now":      time.Now().UTC(),
	}
	rows, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("jobstore: set status: %w", err)
	}
	if rows == nil || len(*rows) == 0 || len((*rows)[0].Result) == 0 {
		return models.NewOpError(models.ErrIllegalTransition, fmt.Sprintf("job is terminal, cannot move to %q", status))
	}
	return nil
}

// SetTerminal writes a job's final outcome in one atomic update. Success
// pins progress to 100, stage to completed, and records the artifact;
// failure records the error fields and leaves stage/progress where the run
// stopped.
func (s *Store) SetTerminal(ctx context.Context, id string, status models.Status, filename, outputPath string, size uint64, code models.ErrorCode, message string) error {
	now := time.Now().UTC()
	var sql string
	vars := map[string]any{"id": id, "status": status, "now": now}

	if status == models.StatusCompleted {
		set := `status = $status, stage = $stage, progress = 100,
			filename = $filename, output_path = $output_path,
			error_code = "", error_message = "", updated_at = $now`
		vars["stage"] = models.StageCompleted
		vars["filename"] = filename
		vars["output_path"] = outputPath
		if size > 0 {
			set += ", total_bytes = $total_bytes"
			vars["total_bytes"] = size
		}
		sql = "UPDATE " + table + " SET " + set + " WHERE job_id = $id"
	} else {
		sql = `UPDATE ` + table + ` SET status = $status,
			error_code = $code, error_message = $message, updated_at = $now
			WHERE job_id = $id`
		vars["code"] = code
		vars["message"] = message
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore: set terminal: %w", err)
	}

	if status == models.StatusCompleted {
		s.bumpDailyMetrics(ctx, "jobs_completed", size)
	} else if status == models.StatusFailed {
		s.bumpDailyMetrics(ctx, "jobs_failed", 0)
	}
	return nil
}

// DailyMetrics is one day's rollup of job activity.
type DailyMetrics struct {
	Date          string `json:"date"`
	JobsTotal     int64  `json:"jobs_total"`
	JobsCompleted int64  `json:"jobs_completed"`
	JobsFailed    int64  `json:"jobs_failed"`
	BytesTotal    uint64 `json:"bytes_total"`
}

// bumpDailyMetrics increments one counter on today's rollup row, adding
// bytes to the byte total when non-zero. Best-effort: a rollup failure is
// logged, never surfaced to the caller — metrics must not fail a job write.
func (s *Store) bumpDailyMetrics(ctx context.Context, counter string, bytes uint64) {
	date := time.Now().UTC().Format("2006-01-02")
	sql := fmt.Sprintf("UPSERT $rid SET date = $date, %s += 1, bytes_total += $bytes", counter)
	vars := map[string]any{
		"rid":   surrealmodels.NewRecordID(metricsTable, date),
		"date":  date,
		"bytes": bytes,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		s.logger.Warn().Str("counter", counter).Err(err).Msg("jobstore: metrics rollup update failed")
	}
}

// MetricsForDate returns the rollup row for one UTC date ("2006-01-02"),
// or a zero-valued row if no jobs ran that day.
func (s *Store) MetricsForDate(ctx context.Context, date string) (DailyMetrics, error) {
	sql := "SELECT date, jobs_total, jobs_completed, jobs_failed, bytes_total FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(metricsTable, date)}
	results, err := surrealdb.Query[[]DailyMetrics](ctx, s.db, sql, vars)
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("jobstore: metrics: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return DailyMetrics{Date: date}, nil
	}
	return (*results)[0].Result[0], nil
}

// ResetForRetry moves a terminal job back to queued and bumps its attempt
// counter, clearing prior error fields.
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	sql := `UPDATE ` + table + ` SET status = $status, stage = $stage, progress = 0,
		error_code = "", error_message = "", attempts = attempts + 1, updated_at = $now
		WHERE job_id = $id`
	vars := map[string]any{
		"id":     id,
		"status": models.StatusQueued,
		"stage":  models.StageQueue,
		"now":    time.Now().UTC(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore: reset for retry: %w", err)
	}
	return nil
}

// NextQueuedCandidate returns the highest-priority queued job (FIFO within a
// priority class), or nil if none are queued. It is step one of the
// two-step claim: the caller must still call TryReserve, since another
// worker may win the race between this read and that write.
func (s *Store) NextQueuedCandidate(ctx context.Context) (*models.Job, error) {
	sql := "SELECT " + selectFields + " FROM " + table +
		" WHERE status = $queued ORDER BY priority DESC, created_at ASC LIMIT 1"
	jobs, err := s.query(ctx, sql, map[string]any{"queued": models.StatusQueued})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// TryReserve atomically claims id for workerID if it is still queued. It
// returns the claimed job, or nil if another worker won the race (or the
// job is no longer queued).
func (s *Store) TryReserve(ctx context.Context, id, workerID string, until time.Time) (*models.Job, error) {
	sql := `UPDATE ` + table + ` SET status = $running, reserved_by = $worker,
		reserved_until = $until, updated_at = $now
		WHERE job_id = $id AND status = $queued`
	vars := map[string]any{
		"id":      id,
		"running": models.StatusRunning,
		"queued":  models.StatusQueued,
		"worker":  workerID,
		"until":   until,
		"now":     time.Now().UTC(),
	}
	rows, err := surrealdb.Query[[]row](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("jobstore: reserve: %w", err)
	}
	if rows == nil || len(*rows) == 0 || len((*rows)[0].Result) == 0 {
		return nil, nil
	}
	j := (*rows)[0].Result[0].Job
	return &j, nil
}

// Heartbeat extends a worker's reservation, called periodically by the
// Broker while a job is running so a crashed worker's reservation expires
// and can be reclaimed.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, until time.Time) error {
	sql := `UPDATE ` + table + ` SET reserved_until = $until
		WHERE job_id = $id AND reserved_by = $worker`
	vars := map[string]any{"id": id, "worker": workerID, "until": until}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("jobstore: heartbeat: %w", err)
	}
	return nil
}

// ListStaleReservations returns running jobs whose reservation has expired,
// so the Broker can requeue them as if their worker crashed.
func (s *Store) ListStaleReservations(ctx context.Context, now time.Time) ([]*models.Job, error) {
	sql := "SELECT " + selectFields + " FROM " + table +
		" WHERE status = $running AND reserved_until < $now"
	return s.query(ctx, sql, map[string]any{"running": models.StatusRunning, "now": now})
}

func (s *Store) query(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("jobstore: query: %w", err)
	}
	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}
