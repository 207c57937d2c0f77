package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CallRecord is one finished call in the log.
type CallRecord struct {
	ID          int64      `json:"id"`
	CallID      string     `json:"call_id"`
	Disposition string     `json:"disposition"`
	FinalNode   string     `json:"final_node"`
	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`
	Transitions int        `json:"transitions"`
}

// CallLogRepository persists and queries finished-call records.
type CallLogRepository interface {
	Create(ctx context.Context, rec *CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*CallRecord, error)
	ListRecent(ctx context.Context, limit, offset int) ([]CallRecord, int, error)
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

// Create inserts a finished-call record. A duplicate call ID overwrites
// nothing; the first record for a call wins.
func (r *callLogRepo) Create(ctx context.Context, rec *CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO calls (call_id, disposition, final_node, started_at, connected_at, ended_at, transitions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Disposition, rec.FinalNode, rec.StartedAt, rec.ConnectedAt, rec.EndedAt, rec.Transitions,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByCallID returns the record for a call, or nil if none exists.
func (r *callLogRepo) GetByCallID(ctx context.Context, callID string) (*CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, call_id, disposition, final_node, started_at, connected_at, ended_at, transitions
		 FROM calls WHERE call_id = ?`, callID)

	var rec CallRecord
	err := row.Scan(&rec.ID, &rec.CallID, &rec.Disposition, &rec.FinalNode,
		&rec.StartedAt, &rec.ConnectedAt, &rec.EndedAt, &rec.Transitions)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

// ListRecent returns finished calls newest first, with the total count.
func (r *callLogRepo) ListRecent(ctx context.Context, limit, offset int) ([]CallRecord, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, disposition, final_node, started_at, connected_at, ended_at, transitions
		 FROM calls ORDER BY ended_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Disposition, &rec.FinalNode,
			&rec.StartedAt, &rec.ConnectedAt, &rec.EndedAt, &rec.Transitions); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return records, total, nil
}

// CountByDisposition returns the number of finished calls per disposition.
func (r *callLogRepo) CountByDisposition(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM calls GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var disposition string
		var n int
		if err := rows.Scan(&disposition, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[disposition] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating disposition counts: %w", err)
	}
	return counts, nil
}
