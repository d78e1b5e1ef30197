// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit persists the immutable decision trail: for every
// decision the full feature vector, per-detector verdicts, chosen
// action, synthesized rule, and per-adapter outcomes. The trail is the
// sole source of truth for post-hoc explanation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/policy"
	"grimm.is/netsentry/internal/rules"
)

// purgeBatch bounds one retention delete so purging never starves
// concurrent appends.
const purgeBatch = 1000

// Record is one audit entry. Everything needed to explain a decision
// after the fact lives here; the indexed columns are duplicated out of
// the payload for querying.
type Record struct {
	ID          int64                  `json:"id,omitempty"`
	DetectionID string                 `json:"detection_id"`
	DecisionID  string                 `json:"decision_id,omitempty"`
	RuleID      string                 `json:"rule_id,omitempty"`
	SrcAddr     string                 `json:"src_addr,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Label       string                 `json:"label,omitempty"`
	Score       *float64               `json:"score,omitempty"` // nil when the ensemble was fully degraded
	Reason      string                 `json:"reason,omitempty"` // validation_reject, conflict, ...
	Detection   *detect.Detection      `json:"detection,omitempty"`
	Decision    *policy.Decision       `json:"decision,omitempty"`
	Rule        *rules.UniversalRule   `json:"rule,omitempty"`
	RuleState   rules.Lifecycle        `json:"rule_state,omitempty"`
	Outcomes    []rules.AdapterOutcome `json:"outcomes,omitempty"`
	Stages      map[string]time.Time   `json:"stages,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Score boxes an aggregate score for a Record; NaN becomes nil.
func Score(f float64) *float64 {
	if math.IsNaN(f) {
		return nil
	}
	return &f
}

// Store is the SQLite-backed audit trail.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Open opens or creates the audit database. A store that cannot be
// opened is fatal to the daemon; there is no in-memory fallback.
func Open(path string, m *metrics.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open audit db")
	}

	s := &Store{db: db, metrics: m, logger: logging.WithComponent("audit")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to init audit schema")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detection_id TEXT NOT NULL,
		decision_id TEXT,
		rule_id TEXT,
		src_addr TEXT,
		action TEXT,
		label TEXT,
		score REAL,
		created_at INTEGER NOT NULL, -- Unix milliseconds
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_detection ON audit_records(detection_id);
	CREATE INDEX IF NOT EXISTS idx_audit_rule ON audit_records(rule_id);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_records(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists one record. Records are immutable once written.
func (s *Store) Append(rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode audit record")
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_records (detection_id, decision_id, rule_id, src_addr, action, label, score, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DetectionID, rec.DecisionID, rec.RuleID, rec.SrcAddr,
		rec.Action, rec.Label, rec.Score, rec.CreatedAt.UnixMilli(), payload,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to append audit record")
	}
	s.metrics.AuditRecords.Inc()
	return nil
}

// ByDetection returns all records for a detection id, oldest first.
func (s *Store) ByDetection(detectionID string) ([]*Record, error) {
	return s.query("detection_id = ?", detectionID)
}

// ByRule returns all records for a rule id, oldest first.
func (s *Store) ByRule(ruleID string) ([]*Record, error) {
	return s.query("rule_id = ?", ruleID)
}

// Get resolves a reference that may be either a detection id or a
// rule id.
func (s *Store) Get(ref string) ([]*Record, error) {
	recs, err := s.ByDetection(ref)
	if err != nil || len(recs) > 0 {
		return recs, err
	}
	return s.ByRule(ref)
}

func (s *Store) query(where string, args ...any) ([]*Record, error) {
	rows, err := s.db.Query(
		"SELECT id, payload FROM audit_records WHERE "+where+" ORDER BY id ASC", args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "audit query failed")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "audit scan failed")
		}
		rec := &Record{}
		if err := json.Unmarshal(payload, rec); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "audit payload corrupted")
		}
		rec.ID = id
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes records older than the retention horizon in bounded
// batches and returns the number removed.
func (s *Store) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	var total int64
	for {
		res, err := s.db.Exec(`
			DELETE FROM audit_records WHERE id IN (
				SELECT id FROM audit_records WHERE created_at < ? LIMIT ?
			)`, cutoff, purgeBatch)
		if err != nil {
			return total, errors.Wrap(err, errors.KindUnavailable, "audit purge failed")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		s.metrics.AuditPurged.Add(float64(total))
		s.logger.Info("Purged audit records", "count", total)
	}
	return total, nil
}

// Run drives periodic retention purges until the context ends.
func (s *Store) Run(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(retention); err != nil {
				s.logger.Error("Audit purge failed", "error", err)
			}
		}
	}
}
