// Package ledger implements the authoritative progress store: StepProgress
// and QuestProgress rows in SQLite, mutated through an atomic check-then-set
// unit so at most one completion per (identity, quest, step) is ever
// recorded.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"questsync/pkg/logx"
	"questsync/pkg/metrics"
)

// Ledger owns the progress database. All mutation runs inside a transaction
// guarded by a per-(identity, quest) mutex: two concurrent completions for
// different steps of the same quest serialize on the keyed lock and each
// recount sees the other's committed row.
type Ledger struct {
	db       *sql.DB
	logger   *logx.Logger
	recorder *metrics.Recorder

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Open opens (creating if needed) the progress database at dbPath with WAL
// mode and a busy timeout, and brings the schema to the current version.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("ledger")
	logger.Info("Progress database ready: %s", dbPath)

	return &Ledger{
		db:       db,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}, nil
}

// SetRecorder attaches metrics instrumentation.
func (l *Ledger) SetRecorder(recorder *metrics.Recorder) {
	l.recorder = recorder
}

// Close closes the database.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// lockFor returns the mutex for one (identity, quest) pair, creating it on
// first use. Locks are never deleted; the space of active pairs is small.
func (l *Ledger) lockFor(identityID, questID string) *sync.Mutex {
	key := identityID + "\x00" + questID
	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	mu, ok := l.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		l.keyLocks[key] = mu
	}
	return mu
}

// RecordAttempt creates the StepProgress row on first use and always
// increments attempt_count. A first attempt also moves the quest from
// pending to in_progress.
func (l *Ledger) RecordAttempt(ctx context.Context, identityID, questID, stepID string) error {
	mu := l.lockFor(identityID, questID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin attempt transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_progress (identity_id, quest_id, step_id, attempt_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(identity_id, quest_id, step_id)
		DO UPDATE SET attempt_count = attempt_count + 1`,
		identityID, questID, stepID)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quest_progress (identity_id, quest_id, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_id, quest_id)
		DO UPDATE SET
			status     = CASE WHEN status = 'pending' THEN 'in_progress' ELSE status END,
			started_at = COALESCE(started_at, excluded.started_at)`,
		identityID, questID, StatusInProgress, now)
	if err != nil {
		return fmt.Errorf("failed to update quest status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt: %w", err)
	}

	logx.Debug("ledger", "attempt recorded: %s/%s/%s", identityID, questID, stepID)
	return nil
}

// MarkStepComplete is the idempotent, atomic completion operation. If the
// step is already completed it returns the current QuestProgress with no
// writes. Otherwise it marks the step, recounts completed_steps from the
// underlying rows, and recomputes the quest status, all in one transaction
// under the keyed lock.
func (l *Ledger) MarkStepComplete(ctx context.Context, identityID, questID, stepID string, totalSteps int) (QuestProgress, error) {
	mu := l.lockFor(identityID, questID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	defer func() {
		if l.recorder != nil {
			l.recorder.ObserveLedgerTx(time.Since(start))
		}
	}()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return QuestProgress{}, fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var alreadyCompleted bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_completed FROM step_progress
		WHERE identity_id = ? AND quest_id = ? AND step_id = ?`,
		identityID, questID, stepID).Scan(&alreadyCompleted)
	if err != nil && err != sql.ErrNoRows {
		return QuestProgress{}, fmt.Errorf("failed to read step progress: %w", err)
	}

	if alreadyCompleted {
		// Repeated completion signals are no-ops.
		progress, readErr := questProgressTx(ctx, tx, identityID, questID)
		if readErr != nil {
			return QuestProgress{}, readErr
		}
		return progress, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_progress (identity_id, quest_id, step_id, is_completed, completed_at, attempt_count)
		VALUES (?, ?, ?, 1, ?, 0)
		ON CONFLICT(identity_id, quest_id, step_id)
		DO UPDATE SET is_completed = 1, completed_at = excluded.completed_at`,
		identityID, questID, stepID, now)
	if err != nil {
		return QuestProgress{}, fmt.Errorf("failed to mark step complete: %w", err)
	}

	// Recount from the rows. Incrementing a counter here would double-count
	// under replayed or concurrent completion signals.
	var completedSteps int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM step_progress
		WHERE identity_id = ? AND quest_id = ? AND is_completed = 1`,
		identityID, questID).Scan(&completedSteps)
	if err != nil {
		return QuestProgress{}, fmt.Errorf("failed to recount completed steps: %w", err)
	}

	// Keep a previously recorded total when the caller does not know it.
	if totalSteps <= 0 {
		var existing sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT total_steps FROM quest_progress
			WHERE identity_id = ? AND quest_id = ?`,
			identityID, questID).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return QuestProgress{}, fmt.Errorf("failed to read total steps: %w", err)
		}
		if existing.Valid {
			totalSteps = int(existing.Int64)
		}
	}

	status := StatusInProgress
	var questCompletedAt any
	if totalSteps > 0 && completedSteps == totalSteps {
		status = StatusCompleted
		questCompletedAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quest_progress (identity_id, quest_id, completed_steps, total_steps, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id, quest_id)
		DO UPDATE SET
			completed_steps = excluded.completed_steps,
			total_steps     = excluded.total_steps,
			status          = excluded.status,
			started_at      = COALESCE(started_at, excluded.started_at),
			completed_at    = excluded.completed_at`,
		identityID, questID, completedSteps, totalSteps, status, now, questCompletedAt)
	if err != nil {
		return QuestProgress{}, fmt.Errorf("failed to update quest progress: %w", err)
	}

	progress, err := questProgressTx(ctx, tx, identityID, questID)
	if err != nil {
		return QuestProgress{}, err
	}

	if err := tx.Commit(); err != nil {
		return QuestProgress{}, fmt.Errorf("failed to commit completion: %w", err)
	}

	if l.recorder != nil {
		l.recorder.ObserveStepCompleted(questID)
	}
	l.logger.Info("Step completed: %s/%s/%s (%d/%d)",
		identityID, questID, stepID, progress.CompletedSteps, progress.TotalSteps)
	return progress, nil
}

// QuestProgressFor returns the aggregate row, or a pending zero row when the
// quest has never been touched.
func (l *Ledger) QuestProgressFor(ctx context.Context, identityID, questID string) (QuestProgress, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return QuestProgress{}, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return questProgressTx(ctx, tx, identityID, questID)
}

// StepProgressFor returns one step row.
func (l *Ledger) StepProgressFor(ctx context.Context, identityID, questID, stepID string) (StepProgress, error) {
	step := StepProgress{
		IdentityID: identityID,
		QuestID:    questID,
		StepID:     stepID,
	}

	var completedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT is_completed, completed_at, attempt_count FROM step_progress
		WHERE identity_id = ? AND quest_id = ? AND step_id = ?`,
		identityID, questID, stepID).Scan(&step.IsCompleted, &completedAt, &step.AttemptCount)
	if err == sql.ErrNoRows {
		return step, nil
	}
	if err != nil {
		return StepProgress{}, fmt.Errorf("failed to read step progress: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		step.CompletedAt = &t
	}
	return step, nil
}

func questProgressTx(ctx context.Context, tx *sql.Tx, identityID, questID string) (QuestProgress, error) {
	progress := QuestProgress{
		IdentityID: identityID,
		QuestID:    questID,
		Status:     StatusPending,
	}

	var startedAt, completedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT completed_steps, total_steps, status, started_at, completed_at FROM quest_progress
		WHERE identity_id = ? AND quest_id = ?`,
		identityID, questID).Scan(
		&progress.CompletedSteps, &progress.TotalSteps, &progress.Status,
		&startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return progress, nil
	}
	if err != nil {
		return QuestProgress{}, fmt.Errorf("failed to read quest progress: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		progress.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		progress.CompletedAt = &t
	}
	return progress, nil
}
