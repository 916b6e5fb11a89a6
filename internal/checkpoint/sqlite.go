package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"orchard/internal/logging"
	"orchard/internal/plan"
)

// SQLiteStore is the default single-node store backed by SQLite in WAL
// mode. A per-plan mutex serializes checkpoint writes for each plan;
// writes to different plans proceed concurrently.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	mu       sync.Mutex
	planLock map[string]*sync.Mutex

	writeRetries int
	writeBackoff time.Duration
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, writeRetries int, writeBackoff time.Duration) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Opening checkpoint store at: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{
		db:           db,
		dbPath:       path,
		planLock:     make(map[string]*sync.Mutex),
		writeRetries: writeRetries,
		writeBackoff: writeBackoff,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Checkpoint schema initialized")
	return s, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	plansTable := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		plan_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		shards TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (plan_id, version)
	)`

	certsTable := `
	CREATE TABLE IF NOT EXISTS certifications (
		plan_id TEXT PRIMARY KEY,
		root_hash TEXT NOT NULL,
		signers TEXT NOT NULL,
		certified INTEGER NOT NULL,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`

	for _, stmt := range []string{plansTable, checkpointsTable, certsTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_checkpoints_plan ON checkpoints(plan_id, version DESC)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// lockFor returns the write mutex for a plan, creating it on first use.
func (s *SQLiteStore) lockFor(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.planLock[planID]
	if !ok {
		l = &sync.Mutex{}
		s.planLock[planID] = l
	}
	return l
}

func (s *SQLiteStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO plans (id, data, status, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		p.ID, string(data), string(p.Status))
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", p.ID, err)
	}
	logging.StoreDebug("Saved plan %s (status=%s)", p.ID, p.Status)
	return nil
}

func (s *SQLiteStore) LoadPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM plans WHERE id = ?`, planID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan %s: %w", planID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) WriteCheckpoint(ctx context.Context, planID string, status plan.Status, shards []*plan.Shard) (int, error) {
	l := s.lockFor(planID)
	l.Lock()
	defer l.Unlock()

	payload, err := json.Marshal(shards)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal shards for %s: %w", planID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.writeBackoff):
			}
			logging.Checkpoint("Retrying checkpoint write for %s (attempt %d/%d)", planID, attempt, s.writeRetries)
		}
		version, err := s.writeCheckpointTx(ctx, planID, status, string(payload))
		if err == nil {
			logging.CheckpointDebug("Wrote checkpoint %s v%d (%d shards)", planID, version, len(shards))
			return version, nil
		}
		lastErr = err
	}
	logging.Get(logging.CategoryCheckpoint).Error("Checkpoint write exhausted retries for %s: %v", planID, lastErr)
	return 0, fmt.Errorf("%w: plan %s: %v", ErrCheckpointFatal, planID, lastErr)
}

// writeCheckpointTx assigns the next version and inserts the snapshot
// plus the plan status update in a single transaction.
func (s *SQLiteStore) writeCheckpointTx(ctx context.Context, planID string, status plan.Status, shards string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE plan_id = ?`, planID).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to assign version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (plan_id, version, status, shards) VALUES (?, ?, ?, ?)`,
		planID, version, string(status), shards); err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), planID); err != nil {
		return 0, fmt.Errorf("failed to update plan status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) ReadLatest(ctx context.Context, planID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, status, shards, created_at FROM checkpoints
		 WHERE plan_id = ? ORDER BY version DESC LIMIT 1`, planID)
	return scanSnapshot(row, planID)
}

func scanSnapshot(row *sql.Row, planID string) (*Snapshot, error) {
	var (
		version   int
		status    string
		shardsRaw string
		createdAt time.Time
	)
	err := row.Scan(&version, &status, &shardsRaw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", planID, err)
	}
	var shards []*plan.Shard
	if err := json.Unmarshal([]byte(shardsRaw), &shards); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shards for %s: %w", planID, err)
	}
	return &Snapshot{
		PlanID:    planID,
		Version:   version,
		Status:    plan.Status(status),
		Shards:    shards,
		CreatedAt: createdAt,
	}, nil
}

func (s *SQLiteStore) RehydrateAll(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM plans`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan plan row: %w", err)
		}
		if !plan.Status(status).Terminal() {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var snaps []*Snapshot
	for _, id := range ids {
		snap, err := s.ReadLatest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Plan saved but never checkpointed. The scheduler
			// restarts it from the stored definition.
			continue
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	logging.Checkpoint("Rehydrated %d non-terminal plan(s)", len(snaps))
	return snaps, nil
}

func (s *SQLiteStore) SaveCertification(ctx context.Context, rec *plan.CertificationRecord) error {
	signers, err := json.Marshal(rec.Signers)
	if err != nil {
		return fmt.Errorf("failed to marshal signers: %w", err)
	}
	certified := 0
	if rec.Certified {
		certified = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO certifications (plan_id, root_hash, signers, certified, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.PlanID, rec.RootHash, string(signers), certified, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save certification for %s: %w", rec.PlanID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadCertification(ctx context.Context, planID string) (*plan.CertificationRecord, error) {
	var (
		rootHash  string
		signers   string
		certified int
		reason    sql.NullString
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT root_hash, signers, certified, reason, created_at FROM certifications WHERE plan_id = ?`,
		planID).Scan(&rootHash, &signers, &certified, &reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certification for %s: %w", planID, err)
	}
	rec := &plan.CertificationRecord{
		PlanID:    planID,
		RootHash:  rootHash,
		Certified: certified == 1,
		Reason:    reason.String,
		CreatedAt: createdAt,
	}
	if err := json.Unmarshal([]byte(signers), &rec.Signers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signers for %s: %w", planID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	// Keep the newest version of every plan regardless of age.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints
		 WHERE created_at < ?
		   AND version < (SELECT MAX(version) FROM checkpoints c2 WHERE c2.plan_id = checkpoints.plan_id)`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Checkpoint("Purged %d old checkpoint version(s)", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
