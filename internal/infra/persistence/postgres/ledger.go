// Package postgres provides a durable append-only audit ledger on
// PostgreSQL. Records are insert-only at the schema level: a trigger
// rejects UPDATE and DELETE so immutability does not rely on application
// discipline.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crobridge/internal/ledger"
	"crobridge/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    submission_id   TEXT        NOT NULL,
    seq             BIGINT      NOT NULL,
    actor_id        TEXT        NOT NULL,
    actor_role      TEXT        NOT NULL,
    action          TEXT        NOT NULL,
    before_status   TEXT        NOT NULL,
    after_status    TEXT        NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL,
    content_hash    TEXT        NOT NULL,
    prev_chain_link TEXT        NOT NULL,
    chain_link      TEXT        NOT NULL,
    PRIMARY KEY (submission_id, seq)
);

CREATE OR REPLACE FUNCTION audit_records_immutable() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit_records is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_records_no_rewrite ON audit_records;
CREATE TRIGGER audit_records_no_rewrite
    BEFORE UPDATE OR DELETE ON audit_records
    FOR EACH ROW EXECUTE FUNCTION audit_records_immutable();
`

// Ledger is a PostgreSQL-backed audit ledger. Appends for one submission
// serialize on a per-submission advisory lock; unrelated submissions never
// contend.
type Ledger struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

var _ ledger.Ledger = (*Ledger)(nil)

// Open connects to dsn, applies the schema and returns the ledger.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Ledger{
		pool: pool,
		// TIMESTAMPTZ stores microseconds; hashing a finer timestamp than
		// the database returns would break verification on read-back.
		nowFn: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

// Append implements ledger.Ledger. The per-submission advisory lock orders
// concurrent appends; the insert itself never updates existing rows.
func (l *Ledger) Append(ctx context.Context, entry ledger.Entry) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.SubmissionID); err != nil {
			return fmt.Errorf("acquire submission lock: %w", err)
		}

		var (
			lastSeq  uint64
			prevLink = ledger.GenesisLink
		)
		err := tx.QueryRow(ctx,
			`SELECT seq, chain_link FROM audit_records WHERE submission_id = $1 ORDER BY seq DESC LIMIT 1`,
			entry.SubmissionID,
		).Scan(&lastSeq, &prevLink)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}

		rec = domain.AuditRecord{
			SubmissionID: entry.SubmissionID,
			Seq:          lastSeq + 1,
			ActorID:      entry.Actor.ID,
			ActorRole:    entry.Actor.Role,
			Action:       entry.Action,
			BeforeStatus: entry.Before,
			AfterStatus:  entry.After,
			Timestamp:    l.nowFn(),
		}
		contentHash, err := ledger.ContentHash(rec)
		if err != nil {
			return fmt.Errorf("hash record: %w", err)
		}
		rec.ContentHash = contentHash
		rec.PrevChainLink = prevLink
		rec.ChainLink = ledger.ChainLink(contentHash, prevLink)

		_, err = tx.Exec(ctx, `
			INSERT INTO audit_records (
				submission_id, seq, actor_id, actor_role, action,
				before_status, after_status, recorded_at,
				content_hash, prev_chain_link, chain_link
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			rec.SubmissionID, rec.Seq, rec.ActorID, string(rec.ActorRole), string(rec.Action),
			string(rec.BeforeStatus), string(rec.AfterStatus), rec.Timestamp,
			rec.ContentHash, rec.PrevChainLink, rec.ChainLink,
		)
		if err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AuditRecord{}, domain.NewLedgerAppendFailure(entry.SubmissionID, err)
	}
	return rec, nil
}

func (l *Ledger) chain(ctx context.Context, submissionID string) ([]domain.AuditRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT submission_id, seq, actor_id, actor_role, action,
		       before_status, after_status, recorded_at,
		       content_hash, prev_chain_link, chain_link
		FROM audit_records
		WHERE submission_id = $1
		ORDER BY seq ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec                         domain.AuditRecord
			role, action, before, after string
		)
		if err := rows.Scan(
			&rec.SubmissionID, &rec.Seq, &rec.ActorID, &role, &action,
			&before, &after, &rec.Timestamp,
			&rec.ContentHash, &rec.PrevChainLink, &rec.ChainLink,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.ActorRole = domain.Role(role)
		rec.Action = domain.Action(action)
		rec.BeforeStatus = domain.Status(before)
		rec.AfterStatus = domain.Status(after)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain: %w", err)
	}
	return out, nil
}

// History implements ledger.Ledger. The chain is loaded once per call; the
// returned sequence may be ranged over repeatedly.
func (l *Ledger) History(ctx context.Context, submissionID string) iter.Seq[domain.AuditRecord] {
	records, err := l.chain(ctx, submissionID)
	if err != nil {
		// iter.Seq cannot carry the error; log it so an outage is
		// distinguishable from an empty chain. Verify and Head return
		// load errors directly.
		slog.Error("load audit chain", "submission_id", submissionID, "error", err)
		records = nil
	}
	return func(yield func(domain.AuditRecord) bool) {
		for _, rec := range records {
			if !yield(rec) {
				return
			}
		}
	}
}

// Verify implements ledger.Ledger.
func (l *Ledger) Verify(ctx context.Context, submissionID string) error {
	records, err := l.chain(ctx, submissionID)
	if err != nil {
		return err
	}
	return ledger.VerifyChain(submissionID, records)
}

// Head implements ledger.Ledger.
func (l *Ledger) Head(ctx context.Context, submissionID string) (domain.AuditRecord, bool, error) {
	records, err := l.chain(ctx, submissionID)
	if err != nil {
		return domain.AuditRecord{}, false, err
	}
	if len(records) == 0 {
		return domain.AuditRecord{}, false, nil
	}
	return records[len(records)-1], true, nil
}
