package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orchard/internal/logging"
	"orchard/internal/plan"
)

// PostgresStore is the shared-database variant for deployments where
// several operator nodes read the same checkpoint history. Semantics
// match SQLiteStore; the per-plan mutex still serializes writes from
// this process, and the version-assignment transaction guards against
// writers on other nodes.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	planLock map[string]*sync.Mutex

	writeRetries int
	writeBackoff time.Duration
}

// NewPostgresStore connects to the given DSN and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, writeRetries int, writeBackoff time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{
		pool:         pool,
		planLock:     make(map[string]*sync.Mutex),
		writeRetries: writeRetries,
		writeBackoff: writeBackoff,
	}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logging.Store("Postgres checkpoint store ready")
	return s, nil
}

func (s *PostgresStore) initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			plan_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			shards JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (plan_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS certifications (
			plan_id TEXT PRIMARY KEY,
			root_hash TEXT NOT NULL,
			signers JSONB NOT NULL,
			certified BOOLEAN NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_plan ON checkpoints(plan_id, version DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) lockFor(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.planLock[planID]
	if !ok {
		l = &sync.Mutex{}
		s.planLock[planID] = l
	}
	return l
}

func (s *PostgresStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (id, data, status, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET data = $2, status = $3, updated_at = now()`,
		p.ID, data, string(p.Status))
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM plans WHERE id = $1`, planID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan %s: %w", planID, err)
	}
	return &p, nil
}

func (s *PostgresStore) WriteCheckpoint(ctx context.Context, planID string, status plan.Status, shards []*plan.Shard) (int, error) {
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
		version, err := s.writeCheckpointTx(ctx, planID, status, payload)
		if err == nil {
			return version, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("%w: plan %s: %v", ErrCheckpointFatal, planID, lastErr)
}

func (s *PostgresStore) writeCheckpointTx(ctx context.Context, planID string, status plan.Status, shards []byte) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE plan_id = $1`, planID).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to assign version: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (plan_id, version, status, shards) VALUES ($1, $2, $3, $4)`,
		planID, version, string(status), shards); err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE plans SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), planID); err != nil {
		return 0, fmt.Errorf("failed to update plan status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ReadLatest(ctx context.Context, planID string) (*Snapshot, error) {
	var (
		version   int
		status    string
		shardsRaw []byte
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, status, shards, created_at FROM checkpoints
		 WHERE plan_id = $1 ORDER BY version DESC LIMIT 1`, planID).
		Scan(&version, &status, &shardsRaw, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", planID, err)
	}
	var shards []*plan.Shard
	if err := json.Unmarshal(shardsRaw, &shards); err != nil {
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

func (s *PostgresStore) RehydrateAll(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, status FROM plans`)
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
			continue
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *PostgresStore) SaveCertification(ctx context.Context, rec *plan.CertificationRecord) error {
	signers, err := json.Marshal(rec.Signers)
	if err != nil {
		return fmt.Errorf("failed to marshal signers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO certifications (plan_id, root_hash, signers, certified, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (plan_id) DO UPDATE SET root_hash = $2, signers = $3, certified = $4, reason = $5, created_at = $6`,
		rec.PlanID, rec.RootHash, signers, rec.Certified, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save certification for %s: %w", rec.PlanID, err)
	}
	return nil
}

func (s *PostgresStore) LoadCertification(ctx context.Context, planID string) (*plan.CertificationRecord, error) {
	var (
		rec     plan.CertificationRecord
		signers []byte
	)
	rec.PlanID = planID
	err := s.pool.QueryRow(ctx,
		`SELECT root_hash, signers, certified, COALESCE(reason, ''), created_at FROM certifications WHERE plan_id = $1`,
		planID).Scan(&rec.RootHash, &signers, &rec.Certified, &rec.Reason, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certification for %s: %w", planID, err)
	}
	if err := json.Unmarshal(signers, &rec.Signers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signers for %s: %w", planID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints
		 WHERE created_at < $1
		   AND version < (SELECT MAX(version) FROM checkpoints c2 WHERE c2.plan_id = checkpoints.plan_id)`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
