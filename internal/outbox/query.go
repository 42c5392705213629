package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/marcus/rosync/internal/model"
)

const selectCols = "local_id, correlation_id, entity_type, entity_id, temp_id, operation, timestamp, payload, dependencies, status, retry_count, last_error, server_response"

func scanEntry(rows *sql.Rows) (model.OutboxEntry, error) {
	var (
		e                           model.OutboxEntry
		op, status                  string
		payloadJSON, depsJSON, srJS string
	)
	if err := rows.Scan(&e.LocalID, &e.CorrelationID, &e.EntityType, &e.EntityID, &e.TempID, &op,
		&e.Timestamp, &payloadJSON, &depsJSON, &status, &e.RetryCount, &e.LastError, &srJS); err != nil {
		return model.OutboxEntry{}, err
	}
	e.Operation = model.Operation(op)
	e.Status = model.Status(status)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return model.OutboxEntry{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if depsJSON != "" {
		if err := json.Unmarshal([]byte(depsJSON), &e.Dependencies); err != nil {
			return model.OutboxEntry{}, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if srJS != "" {
		json.Unmarshal([]byte(srJS), &e.ServerResponse)
	}
	return e, nil
}

// GetPendingOrdered returns pending entries whose retry backoff has
// elapsed, sorted by (topological rank of entityType, timestamp,
// localId).
func (m *Manager) GetPendingOrdered(ctx context.Context) ([]model.OutboxEntry, error) {
	nowMs := m.now().UnixMilli()
	rows, err := m.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM _outbox WHERE status = 'pending' AND next_retry_at <= ?", selectCols), nowMs)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox entries: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rankOf(out[i].EntityType), rankOf(out[j].EntityType)
		if ri != rj {
			return ri < rj
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

// GetPendingCount is an observability helper.
func (m *Manager) GetPendingCount(ctx context.Context) (int, error) {
	var n int
	err := m.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM _outbox WHERE status = 'pending'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// GetAll returns every outbox entry regardless of status.
func (m *Manager) GetAll(ctx context.Context) ([]model.OutboxEntry, error) {
	rows, err := m.conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM _outbox ORDER BY local_id", selectCols))
	if err != nil {
		return nil, fmt.Errorf("query all outbox entries: %w", err)
	}
	defer rows.Close()
	var out []model.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetStatusSummary counts entries per status, for observability.
func (m *Manager) GetStatusSummary(ctx context.Context) (map[model.Status]int, error) {
	rows, err := m.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM _outbox GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("status summary: %w", err)
	}
	defer rows.Close()
	out := map[model.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

// getByLocalID is an internal helper shared by the Mark* mutators.
func (m *Manager) getByLocalID(ctx context.Context, localID int64) (model.OutboxEntry, error) {
	rows, err := m.conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM _outbox WHERE local_id = ?", selectCols), localID)
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("get outbox entry %d: %w", localID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return model.OutboxEntry{}, fmt.Errorf("outbox entry %d: %w", localID, sql.ErrNoRows)
	}
	return scanEntry(rows)
}
