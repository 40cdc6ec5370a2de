package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"linkdigest/internal/model"
)

const createJobRecordsTable = `CREATE TABLE IF NOT EXISTS job_records (
	item_id    TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const (
	selectRecordQuery          = `SELECT record FROM job_records WHERE item_id = $1`
	selectRecordForUpdateQuery = `SELECT record FROM job_records WHERE item_id = $1 FOR UPDATE`
	insertRecordQuery          = `INSERT INTO job_records (item_id, record, updated_at) VALUES ($1, $2, $3) ON CONFLICT (item_id) DO NOTHING`
	updateRecordQuery          = `UPDATE job_records SET record = $2, updated_at = $3 WHERE item_id = $1`
	selectManyQuery            = `SELECT record FROM job_records WHERE item_id = ANY($1)`
	selectAllQuery             = `SELECT record FROM job_records ORDER BY item_id`
)

// PostgresStore keeps records in a JSONB table. Updates lock the row with
// SELECT ... FOR UPDATE for the duration of one transaction.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := NewPostgresStoreWithDB(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createJobRecordsTable); err != nil {
		return fmt.Errorf("create job_records table: %w", err)
	}
	return nil
}

func unmarshalRecord(raw []byte) (*model.JobRecord, error) {
	var rec model.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, itemID string) (*model.JobRecord, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, selectRecordQuery, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s: %w", itemID, err)
	}
	return unmarshalRecord(raw)
}

func (s *PostgresStore) Ensure(ctx context.Context, item model.Item, stages []string) (*model.JobRecord, error) {
	rec := model.NewJobRecord(item, stages, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode job record %s: %w", item.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, insertRecordQuery, item.ID, data, rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert job record %s: %w", item.ID, err)
	}
	return s.Get(ctx, item.ID)
}

func (s *PostgresStore) update(ctx context.Context, itemID string, fn recordUpdate) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cur *model.JobRecord
	var raw []byte
	switch getErr := tx.GetContext(ctx, &raw, selectRecordForUpdateQuery, itemID); {
	case errors.Is(getErr, sql.ErrNoRows):
	case getErr != nil:
		return fmt.Errorf("lock job record %s: %w", itemID, getErr)
	default:
		if cur, err = unmarshalRecord(raw); err != nil {
			return err
		}
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return tx.Commit()
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode job record %s: %w", itemID, err)
	}
	if _, err = tx.ExecContext(ctx, updateRecordQuery, itemID, data, next.UpdatedAt); err != nil {
		return fmt.Errorf("update job record %s: %w", itemID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit job record %s: %w", itemID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error {
	return s.update(ctx, itemID, stageResultUpdate(itemID, result))
}

func (s *PostgresStore) IsStageDone(ctx context.Context, itemID, stage string) (bool, error) {
	rec, err := s.Get(ctx, itemID)
	if err != nil {
		return false, err
	}
	return isStageDone(rec, stage), nil
}

func (s *PostgresStore) selectRecords(ctx context.Context, query string, args ...any) ([]*model.JobRecord, error) {
	var raws [][]byte
	if err := s.db.SelectContext(ctx, &raws, query, args...); err != nil {
		return nil, fmt.Errorf("select job records: %w", err)
	}
	out := make([]*model.JobRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := unmarshalRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, ids []string) ([]*model.JobRecord, error) {
	if len(ids) == 0 {
		return []*model.JobRecord{}, nil
	}
	recs, err := s.selectRecords(ctx, selectManyQuery, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.JobRecord, len(recs))
	for _, rec := range recs {
		byID[rec.Item.ID] = rec
	}
	out := make([]*model.JobRecord, 0, len(recs))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*model.JobRecord, error) {
	return s.selectRecords(ctx, selectAllQuery)
}

func (s *PostgresStore) AttachBatch(ctx context.Context, itemID, batchID string) error {
	return s.update(ctx, itemID, batchUpdate(itemID, batchID))
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
