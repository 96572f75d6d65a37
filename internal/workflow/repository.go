package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/database"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// Repository owns persisted workflow state. Updates are write-through:
// repository first, cache mirror second. The event log is append-only.
type Repository struct {
	db    *database.DB
	cache cache.Cache
	log   *logger.Logger
}

// NewRepository creates a workflow repository.
func NewRepository(db *database.DB, c cache.Cache, log *logger.Logger) *Repository {
	return &Repository{
		db:    db,
		cache: c,
		log:   log.WithComponent("workflow-repository"),
	}
}

// workflowRow carries the JSON-encoded document columns of a workflow row.
type workflowRow struct {
	phases        []byte
	configuration []byte
	rollback      []byte
	errs          []byte
}

// Create persists a new workflow and mirrors it into the cache.
func (r *Repository) Create(ctx context.Context, wf *models.Workflow) error {
	row, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflows (
			id, name, strategy, service_name, version, package_url,
			target_servers, configuration, rollback_policy, created_by,
			status, progress_percent, current_phase_index, phases, errors,
			timeout_seconds, record_version, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	err = r.db.Exec(ctx, query,
		wf.ID, wf.Name, wf.Strategy, wf.ServiceName, wf.Version, wf.PackageURL,
		wf.TargetServers, row.configuration, row.rollback, wf.CreatedBy,
		wf.Status, wf.ProgressPercent, wf.CurrentPhaseIndex, row.phases, row.errs,
		int64(wf.Timeout/time.Second), wf.RecordVersion, wf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	r.mirror(ctx, wf)
	return nil
}

// Get returns a workflow, consulting the cache mirror first.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	if val, ok, err := r.cache.Get(ctx, cache.WorkflowKey(id.String())); err == nil && ok {
		var wf models.Workflow
		if err := json.Unmarshal([]byte(val), &wf); err == nil {
			return &wf, nil
		}
		// Corrupted mirror; fall through to the database.
		_ = r.cache.Delete(ctx, cache.WorkflowKey(id.String()))
	}

	wf, err := r.getFromDB(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mirror(ctx, wf)
	return wf, nil
}

func (r *Repository) getFromDB(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	query := `
		SELECT id, name, strategy, service_name, version, package_url,
		       target_servers, configuration, rollback_policy, created_by,
		       status, progress_percent, current_phase_index, phases, errors,
		       timeout_seconds, record_version, created_at, started_at, completed_at
		FROM workflows
		WHERE id = $1
	`
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	return wf, nil
}

// Update persists the workflow using optimistic concurrency on the record
// version counter, then refreshes the cache mirror.
func (r *Repository) Update(ctx context.Context, wf *models.Workflow) error {
	row, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}

	prev := wf.RecordVersion
	wf.RecordVersion++

	query := `
		UPDATE workflows SET
			status = $1, progress_percent = $2, current_phase_index = $3,
			phases = $4, errors = $5, record_version = $6,
			started_at = $7, completed_at = $8
		WHERE id = $9 AND record_version = $10
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		wf.Status, wf.ProgressPercent, wf.CurrentPhaseIndex,
		row.phases, row.errs, wf.RecordVersion,
		wf.StartedAt, wf.CompletedAt,
		wf.ID, prev,
	)
	if err != nil {
		wf.RecordVersion = prev
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		wf.RecordVersion = prev
		return fmt.Errorf("workflow %s version %d: %w", wf.ID, prev, errdefs.ErrInvalidState)
	}

	r.mirror(ctx, wf)
	return nil
}

// List returns workflows matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	query := `
		SELECT id, name, strategy, service_name, version, package_url,
		       target_servers, configuration, rollback_policy, created_by,
		       status, progress_percent, current_phase_index, phases, errors,
		       timeout_seconds, record_version, created_at, started_at, completed_at
		FROM workflows
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR strategy = $2)
		  AND ($3::text IS NULL OR service_name = $3)
		  AND ($4::text IS NULL OR created_by = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		  AND ($6::timestamptz IS NULL OR created_at <= $6)
		ORDER BY created_at DESC
		LIMIT $7 OFFSET $8
	`
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, query,
		filter.Status, filter.Strategy, filter.ServiceName, filter.CreatedBy,
		filter.Since, filter.Until, limit, filter.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// ListByStatus returns workflows in the given statuses.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...models.WorkflowStatus) ([]*models.Workflow, error) {
	query := `
		SELECT id, name, strategy, service_name, version, package_url,
		       target_servers, configuration, rollback_policy, created_by,
		       status, progress_percent, current_phase_index, phases, errors,
		       timeout_seconds, record_version, created_at, started_at, completed_at
		FROM workflows
		WHERE status = ANY($1)
		ORDER BY created_at DESC
	`
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}

	rows, err := r.db.Query(ctx, query, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// CountByStatus returns the number of workflows in a status.
func (r *Repository) CountByStatus(ctx context.Context, status models.WorkflowStatus) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM workflows WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count workflows: %w", err)
	}
	return count, nil
}

// Statistics aggregates workflows over a time range.
func (r *Repository) Statistics(ctx context.Context, since, until time.Time) (*models.WorkflowStatistics, error) {
	query := `
		SELECT status, strategy, COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) FILTER (WHERE completed_at IS NOT NULL), 0)
		FROM workflows
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY status, strategy
	`
	rows, err := r.db.Query(ctx, query, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.WorkflowStatistics{
		ByStatus:   make(map[models.WorkflowStatus]int),
		ByStrategy: make(map[models.DeploymentStrategy]int),
		Since:      since,
		Until:      until,
	}

	var durationSum float64
	var durationGroups int
	for rows.Next() {
		var status models.WorkflowStatus
		var strategy models.DeploymentStrategy
		var count int
		var avgSeconds float64
		if err := rows.Scan(&status, &strategy, &count, &avgSeconds); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByStrategy[strategy] += count
		if avgSeconds > 0 {
			durationSum += avgSeconds
			durationGroups++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		completed := stats.ByStatus[models.WorkflowStatusCompleted]
		stats.SuccessRate = float64(completed) / float64(stats.Total) * 100
	}
	if durationGroups > 0 {
		stats.AverageDuration = time.Duration(durationSum/float64(durationGroups)) * time.Second
	}

	return stats, nil
}

// CleanupOld deletes terminal workflows older than the retention window.
func (r *Repository) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM workflows
		WHERE completed_at IS NOT NULL AND completed_at < $1
		  AND status IN ('completed','failed','cancelled','rolled_back')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup workflows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Event log
// =============================================================================

// AppendEvent appends one entry to the append-only workflow event log.
func (r *Repository) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var data []byte
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	err := r.db.Exec(ctx, `
		INSERT INTO workflow_events (id, workflow_id, kind, message, phase_id, step_id, user_id, data, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.ID, event.WorkflowID, event.Kind, event.Message, event.PhaseID, event.StepID, event.UserID, data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the event log of a workflow in append order.
func (r *Repository) ListEvents(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_id, kind, message, phase_id, step_id, user_id, data, timestamp
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY timestamp ASC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.WorkflowEvent
	for rows.Next() {
		var ev models.WorkflowEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Kind, &ev.Message, &ev.PhaseID, &ev.StepID, &ev.UserID, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &ev.Data)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

// mirror refreshes the cache copy of a workflow. Mirror failures are logged,
// never surfaced; the repository row is authoritative.
func (r *Repository) mirror(ctx context.Context, wf *models.Workflow) {
	data, err := json.Marshal(wf)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cache.WorkflowKey(wf.ID.String()), string(data), cache.WorkflowMirrorTTL); err != nil {
		r.log.Warn("failed to mirror workflow", "workflow_id", wf.ID, "error", err)
	}
}

func encodeWorkflow(wf *models.Workflow) (*workflowRow, error) {
	phases, err := json.Marshal(wf.Phases)
	if err != nil {
		return nil, fmt.Errorf("marshal phases: %w", err)
	}
	configuration, err := json.Marshal(wf.Configuration)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration: %w", err)
	}
	var rollback []byte
	if wf.Rollback != nil {
		rollback, err = json.Marshal(wf.Rollback)
		if err != nil {
			return nil, fmt.Errorf("marshal rollback policy: %w", err)
		}
	}
	errs, err := json.Marshal(wf.Errors)
	if err != nil {
		return nil, fmt.Errorf("marshal errors: %w", err)
	}
	return &workflowRow{phases: phases, configuration: configuration, rollback: rollback, errs: errs}, nil
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	var phases, configuration, rollback, errs []byte
	var timeoutSeconds int64

	err := row.Scan(
		&wf.ID, &wf.Name, &wf.Strategy, &wf.ServiceName, &wf.Version, &wf.PackageURL,
		&wf.TargetServers, &configuration, &rollback, &wf.CreatedBy,
		&wf.Status, &wf.ProgressPercent, &wf.CurrentPhaseIndex, &phases, &errs,
		&timeoutSeconds, &wf.RecordVersion, &wf.CreatedAt, &wf.StartedAt, &wf.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	wf.Timeout = time.Duration(timeoutSeconds) * time.Second
	if len(phases) > 0 {
		if err := json.Unmarshal(phases, &wf.Phases); err != nil {
			return nil, fmt.Errorf("unmarshal phases: %w", err)
		}
	}
	if len(configuration) > 0 {
		if err := json.Unmarshal(configuration, &wf.Configuration); err != nil {
			return nil, fmt.Errorf("unmarshal configuration: %w", err)
		}
	}
	if len(rollback) > 0 {
		if err := json.Unmarshal(rollback, &wf.Rollback); err != nil {
			return nil, fmt.Errorf("unmarshal rollback policy: %w", err)
		}
	}
	if len(errs) > 0 {
		_ = json.Unmarshal(errs, &wf.Errors)
	}

	return &wf, nil
}
