// Package lineage is the decision lineage ledger: an append-only,
// hash-chained store of one record per CGA cycle. Every record answers
// what intent, what drift, what was proposed, what governance decided and
// why, and what executed.
//
// Records are never modified or deleted. Each record's signature is the
// SHA-256 of its canonical JSON with the signature zeroed; the prior
// record's signature is embedded as the chain link.
package lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/canonicalize"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ErrRecordNotFound is returned for lookups of unknown record ids.
var ErrRecordNotFound = errors.New("lineage record not found")

// Driver selects the SQL dialect of the projection table.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS lineage (
    id TEXT PRIMARY KEY,
    cycle_id TEXT NOT NULL,
    intent_id TEXT NOT NULL,
    drift_detected TEXT NOT NULL,
    drift_severity INTEGER NOT NULL,
    total_attempts INTEGER NOT NULL,
    escalated_to_human BOOLEAN NOT NULL DEFAULT FALSE,
    execution_success BOOLEAN NOT NULL DEFAULT FALSE,
    final_approved_proposal TEXT,
    resolved_at TEXT,
    resolution_duration_seconds REAL,
    priority_override_applied BOOLEAN NOT NULL DEFAULT FALSE,
    deprioritized_intent TEXT,
    signature TEXT NOT NULL,
    prior_record_hash TEXT,
    record_json TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lineage_cycle_id ON lineage(cycle_id);
CREATE INDEX IF NOT EXISTS idx_lineage_intent_id ON lineage(intent_id);
CREATE INDEX IF NOT EXISTS idx_lineage_escalated ON lineage(escalated_to_human);
`

// createdAtFormat is fixed-width so lexicographic order equals time
// order; Append guarantees strictly increasing stamps.
const createdAtFormat = "2006-01-02T15:04:05.000000000Z"

// Ledger is the append-only lineage store. Appends are serialized by a
// single-writer mutex to preserve the hash chain; reads go straight to
// the database.
type Ledger struct {
	db     *sql.DB
	driver Driver

	mu            sync.Mutex
	lastSignature *string
	lastCreatedAt time.Time
	count         int

	now func() time.Time
}

// Open initializes the projection table and loads the chain tail. The
// caller owns the *sql.DB lifecycle.
func Open(ctx context.Context, db *sql.DB, driver Driver) (*Ledger, error) {
	l := &Ledger{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("lineage: init schema: %w", err)
		}
	}
	if err := l.loadTail(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the time source for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) loadTail(ctx context.Context) error {
	row := l.db.QueryRowContext(ctx,
		"SELECT signature, created_at FROM lineage ORDER BY created_at DESC LIMIT 1")
	var sig, created string
	switch err := row.Scan(&sig, &created); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("lineage: load chain tail: %w", err)
	default:
		l.lastSignature = &sig
		if t, perr := time.Parse(createdAtFormat, created); perr == nil {
			l.lastCreatedAt = t
		}
	}
	row = l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lineage")
	if err := row.Scan(&l.count); err != nil {
		return fmt.Errorf("lineage: load count: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for the postgres dialect.
func (l *Ledger) rebind(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append links the record to the chain head, computes its signature over
// the canonical JSON with the signature zeroed, and persists the
// projection row. The record is mutated in place with the chain fields.
// This is the only lineage operation that may block on storage I/O.
func (l *Ledger) Append(ctx context.Context, record *contracts.LineageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record.PriorRecordHash = l.lastSignature

	created := l.now()
	if !created.After(l.lastCreatedAt) {
		created = l.lastCreatedAt.Add(time.Nanosecond)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = created
	}

	record.Signature = ""
	sig, err := canonicalize.HashHex(record)
	if err != nil {
		return fmt.Errorf("lineage: sign record %s: %w", record.ID, err)
	}
	record.Signature = sig

	recordJSON, err := canonicalize.CanonicalMarshal(record)
	if err != nil {
		return fmt.Errorf("lineage: serialize record %s: %w", record.ID, err)
	}

	var finalProposal *string
	if record.FinalApprovedProposal != nil {
		finalProposal = &record.FinalApprovedProposal.ID
	}
	var resolvedAt *string
	if record.ResolvedAt != nil {
		s := record.ResolvedAt.UTC().Format(time.RFC3339Nano)
		resolvedAt = &s
	}

	_, err = l.db.ExecContext(ctx, l.rebind(`
        INSERT INTO lineage (
            id, cycle_id, intent_id, drift_detected, drift_severity,
            total_attempts, escalated_to_human, execution_success,
            final_approved_proposal, resolved_at, resolution_duration_seconds,
            priority_override_applied, deprioritized_intent,
            signature, prior_record_hash, record_json, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		record.ID, record.CycleID, record.Intent.ID,
		record.DriftDetected, record.DriftSeverity,
		record.TotalAttempts, record.EscalatedToHuman, record.ExecutionSuccess,
		finalProposal, resolvedAt, record.ResolutionDurationSeconds,
		record.PriorityOverrideApplied, nullableString(record.DeprioritizedIntent),
		record.Signature, record.PriorRecordHash, string(recordJSON),
		created.Format(createdAtFormat),
	)
	if err != nil {
		return fmt.Errorf("lineage: append record %s: %w", record.ID, err)
	}

	l.lastSignature = &record.Signature
	l.lastCreatedAt = created
	l.count++
	return nil
}

// Get returns one record by id.
func (l *Ledger) Get(ctx context.Context, id string) (contracts.LineageRecord, error) {
	row := l.db.QueryRowContext(ctx,
		l.rebind("SELECT record_json FROM lineage WHERE id = ?"), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.LineageRecord{}, ErrRecordNotFound
		}
		return contracts.LineageRecord{}, fmt.Errorf("lineage: get %s: %w", id, err)
	}
	return decodeRecord(raw)
}

// ByCycle returns all records of one reconciliation cycle, oldest first.
func (l *Ledger) ByCycle(ctx context.Context, cycleID string) ([]contracts.LineageRecord, error) {
	return l.queryRecords(ctx,
		"SELECT record_json FROM lineage WHERE cycle_id = ? ORDER BY created_at", cycleID)
}

// ByIntent returns every cycle recorded for an intent, oldest first.
func (l *Ledger) ByIntent(ctx context.Context, intentID string) ([]contracts.LineageRecord, error) {
	return l.queryRecords(ctx,
		"SELECT record_json FROM lineage WHERE intent_id = ? ORDER BY created_at", intentID)
}

// ByEntity returns every record whose serialized form references the
// entity id. The substring match over record_json is the projection's
// query path; the canonical JSON is the source of truth.
func (l *Ledger) ByEntity(ctx context.Context, entityID string) ([]contracts.LineageRecord, error) {
	return l.queryRecords(ctx,
		"SELECT record_json FROM lineage WHERE record_json LIKE ? ORDER BY created_at",
		"%"+entityID+"%")
}

// Escalations returns every cycle that required a human, optionally
// bounded to records created at or after since.
func (l *Ledger) Escalations(ctx context.Context, since *time.Time) ([]contracts.LineageRecord, error) {
	if since != nil {
		return l.queryRecords(ctx,
			"SELECT record_json FROM lineage WHERE escalated_to_human = ? AND created_at >= ? ORDER BY created_at",
			true, since.UTC().Format(createdAtFormat))
	}
	return l.queryRecords(ctx,
		"SELECT record_json FROM lineage WHERE escalated_to_human = ? ORDER BY created_at", true)
}

// Recent returns up to limit of the newest records, oldest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]contracts.LineageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := l.queryRecords(ctx,
		"SELECT record_json FROM lineage ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Count returns the total number of records.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// HeadSignature returns the signature at the chain head, or nil for an
// empty ledger.
func (l *Ledger) HeadSignature() *string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastSignature == nil {
		return nil
	}
	sig := *l.lastSignature
	return &sig
}

func (l *Ledger) queryRecords(ctx context.Context, query string, args ...any) ([]contracts.LineageRecord, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("lineage: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LineageRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("lineage: scan: %w", err)
		}
		record, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lineage: iterate: %w", err)
	}
	return out, nil
}

func decodeRecord(raw string) (contracts.LineageRecord, error) {
	var record contracts.LineageRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return contracts.LineageRecord{}, fmt.Errorf("lineage: decode record: %w", err)
	}
	return record, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
