package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/signalops/signalops/internal/decision"
	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/rules"
	"github.com/signalops/signalops/internal/strategy"
)

// schema creates the ledger tables. A trigger rejects UPDATE and DELETE so
// the append-only contract holds for every client, not just this one.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS decision_logs (
		id                TEXT PRIMARY KEY,
		kind              TEXT NOT NULL,
		ts                TIMESTAMPTZ NOT NULL,
		strategy_id       TEXT NOT NULL,
		strategy_version  INTEGER NOT NULL DEFAULT 0,
		account           TEXT NOT NULL DEFAULT '',
		asset             TEXT NOT NULL,
		decision          TEXT NOT NULL,
		pass_count        INTEGER NOT NULL,
		fail_count        INTEGER NOT NULL,
		confidence        DOUBLE PRECISION NOT NULL,
		final_action      TEXT NOT NULL,
		blocked           BOOLEAN NOT NULL,
		execution_id      TEXT NOT NULL DEFAULT '',
		execution         JSONB,
		risk              JSONB,
		prior_decision_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS decision_logs_strategy_ts ON decision_logs (strategy_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS decision_logs_asset_ts ON decision_logs (asset, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS decision_logs_blocked_ts ON decision_logs (ts DESC) WHERE blocked`,
	`CREATE TABLE IF NOT EXISTS decision_triggers (
		decision_id TEXT NOT NULL REFERENCES decision_logs(id),
		position    INTEGER NOT NULL,
		rule_id     TEXT NOT NULL,
		source      TEXT NOT NULL,
		metric      TEXT NOT NULL,
		value       DOUBLE PRECISION,
		threshold   DOUBLE PRECISION NOT NULL,
		operator    TEXT NOT NULL,
		status      TEXT NOT NULL,
		reasoning   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (decision_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS decision_metadata (
		decision_id TEXT NOT NULL REFERENCES decision_logs(id),
		key         TEXT NOT NULL,
		value       TEXT NOT NULL,
		PRIMARY KEY (decision_id, key)
	)`,
	`CREATE OR REPLACE FUNCTION signalops_ledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'decision ledger is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS decision_logs_append_only ON decision_logs`,
	`CREATE TRIGGER decision_logs_append_only BEFORE UPDATE OR DELETE ON decision_logs
		FOR EACH ROW EXECUTE FUNCTION signalops_ledger_append_only()`,
	`DROP TRIGGER IF EXISTS decision_triggers_append_only ON decision_triggers`,
	`CREATE TRIGGER decision_triggers_append_only BEFORE UPDATE OR DELETE ON decision_triggers
		FOR EACH ROW EXECUTE FUNCTION signalops_ledger_append_only()`,
	`DROP TRIGGER IF EXISTS decision_metadata_append_only ON decision_metadata`,
	`CREATE TRIGGER decision_metadata_append_only BEFORE UPDATE OR DELETE ON decision_metadata
		FOR EACH ROW EXECUTE FUNCTION signalops_ledger_append_only()`,
}

// PostgresStore persists decisions with INSERT only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate creates tables, indexes and the append-only triggers.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	log.Info().Msg("Ledger schema migrated")
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in a read-committed transaction, rolling back on error or
// panic.
func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	return fn(ctx, tx)
}

func (s *PostgresStore) Append(ctx context.Context, d *Decision) error {
	if d == nil || d.ID == "" {
		return errors.New("decision id is required")
	}
	execJSON, err := nullableJSON(d.Execution)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	riskJSON, err := nullableJSON(d.Risk)
	if err != nil {
		return fmt.Errorf("encode risk: %w", err)
	}

	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO decision_logs (id, kind, ts, strategy_id, strategy_version, account, asset,
				decision, pass_count, fail_count, confidence, final_action, blocked,
				execution_id, execution, risk, prior_decision_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			d.ID, string(d.Kind), d.Timestamp, d.StrategyID, d.StrategyVersion, d.Account, d.Asset,
			string(d.Decision), d.PassCount, d.FailCount, d.Confidence, string(d.FinalAction), d.Blocked(),
			d.ExecutionID, execJSON, riskJSON, d.PriorDecisionID)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}

		batch := &pgx.Batch{}
		for i, t := range d.Triggers {
			batch.Queue(`
				INSERT INTO decision_triggers (decision_id, position, rule_id, source, metric, value,
					threshold, operator, status, reasoning)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				d.ID, i, t.RuleID, string(t.Source), t.Metric, t.Value, t.Threshold,
				string(t.Operator), string(t.Status), t.Reasoning)
		}
		for k, v := range d.Reasoning {
			batch.Queue(`INSERT INTO decision_metadata (decision_id, key, value) VALUES ($1,$2,$3)`, d.ID, k, v)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert decision details: %w", err)
		}
		return nil
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	return err
}

const selectDecision = `
	SELECT id, kind, ts, strategy_id, strategy_version, account, asset, decision, pass_count,
		fail_count, confidence, final_action, execution_id, execution, risk, prior_decision_id
	FROM decision_logs`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Decision, error) {
	rows, err := s.pool.Query(ctx, selectDecision+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query decision: %w", err)
	}
	out, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out[0], nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Decision, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Strategy != "" {
		add("strategy_id = $%d", f.Strategy)
	}
	if f.Asset != "" {
		add("upper(asset) = upper($%d)", f.Asset)
	}
	if f.BlockedOnly {
		where = append(where, "blocked")
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until)
	}

	q := selectDecision
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return s.collect(ctx, rows)
}

func (s *PostgresStore) collect(ctx context.Context, rows pgx.Rows) ([]*Decision, error) {
	var out []*Decision
	byID := make(map[string]*Decision)
	for rows.Next() {
		var (
			d                  Decision
			kind, act, final   string
			execJSON, riskJSON []byte
		)
		if err := rows.Scan(&d.ID, &kind, &d.Timestamp, &d.StrategyID, &d.StrategyVersion, &d.Account,
			&d.Asset, &act, &d.PassCount, &d.FailCount, &d.Confidence, &final, &d.ExecutionID,
			&execJSON, &riskJSON, &d.PriorDecisionID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Kind = Kind(kind)
		d.Decision = decision.Action(act)
		d.FinalAction = decision.FinalAction(final)
		if len(execJSON) > 0 {
			d.Execution = &ExecutionRecord{}
			if err := json.Unmarshal(execJSON, d.Execution); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode execution of %s: %w", d.ID, err)
			}
		}
		if len(riskJSON) > 0 {
			d.Risk = &risk.Result{}
			if err := json.Unmarshal(riskJSON, d.Risk); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode risk of %s: %w", d.ID, err)
			}
		}
		d.Reasoning = make(map[string]string)
		d.Triggers = make([]rules.TriggerResult, 0)
		out = append(out, &d)
		byID[d.ID] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, d := range out {
		ids = append(ids, d.ID)
	}

	trows, err := s.pool.Query(ctx, `
		SELECT decision_id, rule_id, source, metric, value, threshold, operator, status, reasoning
		FROM decision_triggers WHERE decision_id = ANY($1) ORDER BY decision_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	for trows.Next() {
		var (
			id, src, op, status string
			t                   rules.TriggerResult
		)
		if err := trows.Scan(&id, &t.RuleID, &src, &t.Metric, &t.Value, &t.Threshold, &op, &status, &t.Reasoning); err != nil {
			trows.Close()
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.Source = strategy.Source(src)
		t.Operator = strategy.Operator(op)
		t.Status = rules.Status(status)
		if d, ok := byID[id]; ok {
			d.Triggers = append(d.Triggers, t)
		}
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}

	mrows, err := s.pool.Query(ctx, `SELECT decision_id, key, value FROM decision_metadata WHERE decision_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	for mrows.Next() {
		var id, k, v string
		if err := mrows.Scan(&id, &k, &v); err != nil {
			mrows.Close()
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		if d, ok := byID[id]; ok {
			d.Reasoning[k] = v
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}
	return out, nil
}

func nullableJSON(v any) ([]byte, error) {
	switch x := v.(type) {
	case *ExecutionRecord:
		if x == nil {
			return nil, nil
		}
	case *risk.Result:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
