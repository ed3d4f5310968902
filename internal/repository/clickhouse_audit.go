package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"TradeGuard/internal/domain/models"
	pkgch "TradeGuard/pkg/clickhouse"
	applogger "TradeGuard/pkg/logger"
)

// Schema returns the DDL the audit sink needs. MergeTree keeps the log
// append-only; ordering by (at, id) preserves write order on replay.
func Schema(database string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s.audit_log (
            id          String,
            kind        LowCardinality(String),
            at          DateTime64(3, 'UTC'),
            source_id   String,
            score       Float64,
            confidence  Float64,
            health      LowCardinality(String),
            prev_health LowCardinality(String),
            mode        LowCardinality(String),
            prev_mode   LowCardinality(String),
            incident_id String,
            action      String,
            outcome     String,
            detail      String
        ) ENGINE = MergeTree()
        ORDER BY (at, id)
    `, database)}
}

// CHAuditSink implements AuditSink backed by ClickHouse.
type CHAuditSink struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

// NewCHAuditSink creates the sink over an established client.
func NewCHAuditSink(ch *pkgch.Client, database string, lgr *applogger.Logger) *CHAuditSink {
	return &CHAuditSink{db: ch.DB(), table: database + ".audit_log", l: lgr}
}

const auditColumns = "id, kind, at, source_id, score, confidence, health, prev_health, mode, prev_mode, incident_id, action, outcome, detail"

func (s *CHAuditSink) Append(ctx context.Context, e *models.AuditEntry) error {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table, auditColumns)
	if _, err := s.db.ExecContext(ctx, q, entryArgs(e)...); err != nil {
		if s.l != nil {
			s.l.Error("clickhouse audit insert error",
				applogger.String("kind", string(e.Kind)),
				applogger.Error(err))
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *CHAuditSink) AppendBatch(ctx context.Context, entries []*models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const chunkSize = 2000
	for start := 0; start < len(entries); start += chunkSize {
		end := start + chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*14)
		for _, e := range entries[start:end] {
			if e == nil || e.ID == "" {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, entryArgs(e)...)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, auditColumns, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("append audit batch: %w", err)
		}
	}
	return nil
}

func (s *CHAuditSink) Entries(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 1000
	}
	q := fmt.Sprintf(`
        SELECT %s
        FROM %s
        WHERE at >= ? AND at <= ?
        ORDER BY at ASC, id ASC
        LIMIT ?
    `, auditColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q, from, to, limit)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse audit query error", applogger.Error(err))
		}
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]*models.AuditEntry, 0, 256)
	for rows.Next() {
		var e models.AuditEntry
		var kind, health, prevHealth, mode, prevMode string
		if err := rows.Scan(&e.ID, &kind, &e.At, &e.SourceID, &e.Score, &e.Confidence,
			&health, &prevHealth, &mode, &prevMode,
			&e.IncidentID, &e.Action, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = models.AuditKind(kind)
		e.Health = models.HealthState(health)
		e.PrevHealth = models.HealthState(prevHealth)
		e.Mode = models.TradingMode(mode)
		e.PrevMode = models.TradingMode(prevMode)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse audit query ok",
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(start)))
	}
	return out, nil
}

func (s *CHAuditSink) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHAuditSink) Close() error {
	return nil // Managed by pkg
}

func entryArgs(e *models.AuditEntry) []interface{} {
	return []interface{}{
		e.ID,
		string(e.Kind),
		e.At,
		e.SourceID,
		e.Score,
		e.Confidence,
		string(e.Health),
		string(e.PrevHealth),
		string(e.Mode),
		string(e.PrevMode),
		e.IncidentID,
		e.Action,
		e.Outcome,
		e.Detail,
	}
}
