package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/zen-systems/routecore/pkg/decision"
)

// SQLiteStore persists decision logs in a SQLite database. The full record
// is stored as JSON; filterable fields are projected into columns.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for
// a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate routing memory: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		intent_id TEXT NOT NULL,
		fallback_used INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		risk TEXT NOT NULL,
		record TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decision_nodes (
		decision_id TEXT NOT NULL REFERENCES decisions(id),
		node_id TEXT NOT NULL,
		capability_id TEXT NOT NULL,
		chosen INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		corrected INTEGER NOT NULL DEFAULT 0,
		UNIQUE(decision_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_intent ON decisions(intent_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
	CREATE INDEX IF NOT EXISTS idx_decision_nodes_capability ON decision_nodes(capability_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type nodeRow struct {
	nodeID       string
	capabilityID string
	chosen       bool
	status       string
	latencyMs    int64
	corrected    bool
}

func nodeRows(log DecisionLog) []nodeRow {
	var rows []nodeRow
	index := map[string]int{}
	for _, c := range log.Decision.Choices {
		index[c.NodeID] = len(rows)
		rows = append(rows, nodeRow{nodeID: c.NodeID, capabilityID: c.CapabilityID, chosen: true})
	}
	for _, n := range log.Outcome.Nodes {
		i, ok := index[n.NodeID]
		if !ok {
			index[n.NodeID] = len(rows)
			rows = append(rows, nodeRow{nodeID: n.NodeID, capabilityID: n.CapabilityID})
			i = len(rows) - 1
		}
		rows[i].status = n.Status
		rows[i].latencyMs = n.LatencyMs
		rows[i].corrected = n.Corrected
	}
	return rows
}

// Append inserts a log and its node rows in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, log DecisionLog) error {
	record, err := json.Marshal(log)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO decisions (id, created_at, intent_id, fallback_used, success, latency_ms, cost_usd, risk, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.DecisionID, log.Timestamp.UnixNano(), log.Router.IntentID, log.Router.FallbackUsed,
		log.Outcome.Success, log.Outcome.LatencyMs, log.Outcome.CostUSD, log.Summary.Risk, string(record),
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", log.DecisionID, err)
	}
	for _, r := range nodeRows(log) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO decision_nodes (decision_id, node_id, capability_id, chosen, status, latency_ms, corrected)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			log.DecisionID, r.nodeID, r.capabilityID, r.chosen, r.status, r.latencyMs, r.corrected,
		)
		if err != nil {
			return fmt.Errorf("insert decision node %s/%s: %w", log.DecisionID, r.nodeID, err)
		}
	}
	return tx.Commit()
}

// Get returns one log by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (DecisionLog, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM decisions WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionLog{}, ErrNotFound
	}
	if err != nil {
		return DecisionLog{}, err
	}
	var log DecisionLog
	if err := json.Unmarshal([]byte(record), &log); err != nil {
		return DecisionLog{}, fmt.Errorf("decode decision %s: %w", id, err)
	}
	return log, nil
}

// Query returns matching logs, newest first.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]DecisionLog, error) {
	var (
		where []string
		args  []any
	)
	if f.IntentID != "" {
		where = append(where, "intent_id = ?")
		args = append(args, f.IntentID)
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *f.Success)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.CapabilityID != "" {
		where = append(where, "id IN (SELECT decision_id FROM decision_nodes WHERE capability_id = ? AND chosen = 1)")
		args = append(args, f.CapabilityID)
	}

	q := "SELECT record FROM decisions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionLog
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var log DecisionLog
		if err := json.Unmarshal([]byte(record), &log); err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// CapabilityStats aggregates executed node outcomes per capability.
func (s *SQLiteStore) CapabilityStats(ctx context.Context) (map[string]decision.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability_id,
		       COUNT(*),
		       SUM(CASE WHEN status = 'succeeded' AND corrected = 0 THEN 1 ELSE 0 END),
		       SUM(latency_ms),
		       SUM(latency_ms * latency_ms)
		FROM decision_nodes
		WHERE status IN ('succeeded', 'failed')
		GROUP BY capability_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]decision.Stats{}
	for rows.Next() {
		var (
			id string
			t  tally
		)
		if err := rows.Scan(&id, &t.samples, &t.successes, &t.latSum, &t.latSumSq); err != nil {
			return nil, err
		}
		out[id] = t.stats()
	}
	return out, rows.Err()
}
