package indexdb

import (
	"context"
	"database/sql"
	"errors"
)

type TickRow struct {
	RunID    string  `json:"run_id"`
	Tick     uint64  `json:"tick"`
	TimeMs   int64   `json:"time_ms"`
	Clients  int     `json:"clients"`
	Entities int     `json:"entities"`
	Packets  int     `json:"packets"`
	Bytes    int     `json:"bytes"`
	Dropped  int     `json:"dropped"`
	Skipped  int     `json:"skipped"`
	Inputs   int     `json:"inputs"`
	Stale    int     `json:"stale"`
	StepMS   float64 `json:"step_ms"`
}

// Summary aggregates a run's ticks.
type Summary struct {
	RunID       string  `json:"run_id"`
	Ticks       int     `json:"ticks"`
	FirstTick   uint64  `json:"first_tick"`
	LastTick    uint64  `json:"last_tick"`
	MaxClients  int     `json:"max_clients"`
	MaxEntities int     `json:"max_entities"`
	Packets     int64   `json:"packets"`
	Bytes       int64   `json:"bytes"`
	Dropped     int64   `json:"dropped"`
	Skipped     int64   `json:"skipped"`
	Inputs      int64   `json:"inputs"`
	Stale       int64   `json:"stale"`
	AvgStepMS   float64 `json:"avg_step_ms"`
	MaxStepMS   float64 `json:"max_step_ms"`
	Connects    int     `json:"connects"`
	Disconnects int     `json:"disconnects"`
}

type DumpRow struct {
	RunID      string `json:"run_id"`
	Tick       uint64 `json:"tick"`
	Path       string `json:"path"`
	Frames     int    `json:"frames"`
	Entities   int    `json:"entities"`
	RecordedAt string `json:"recorded_at"`
}

// Meta returns a value from the meta table, or "" when absent.
func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Runs lists run ids that have tick rows, most recent first.
func (s *SQLiteIndex) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM ticks GROUP BY run_id ORDER BY MAX(time_ms) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LatestTicks returns up to limit ticks of runID, newest first.
func (s *SQLiteIndex) LatestTicks(ctx context.Context, runID string, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,tick,time_ms,clients,entities,packets,bytes,dropped,skipped,inputs,stale,step_ms
		FROM ticks WHERE run_id=? ORDER BY tick DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var r TickRow
		var tick int64
		if err := rows.Scan(&r.RunID, &tick, &r.TimeMs, &r.Clients, &r.Entities, &r.Packets, &r.Bytes, &r.Dropped, &r.Skipped, &r.Inputs, &r.Stale, &r.StepMS); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Summarize(ctx context.Context, runID string) (Summary, error) {
	sum := Summary{RunID: runID}
	var first, last sql.NullInt64
	var avg, maxStep sql.NullFloat64
	var maxClients, maxEntities, packets, bytes, dropped, skipped, inputs, stale sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(tick), MAX(tick), MAX(clients), MAX(entities),
		SUM(packets), SUM(bytes), SUM(dropped), SUM(skipped), SUM(inputs), SUM(stale), AVG(step_ms), MAX(step_ms)
		FROM ticks WHERE run_id=?`, runID).Scan(
		&sum.Ticks, &first, &last, &maxClients, &maxEntities,
		&packets, &bytes, &dropped, &skipped, &inputs, &stale, &avg, &maxStep)
	if err != nil {
		return sum, err
	}
	sum.FirstTick = uint64(first.Int64)
	sum.LastTick = uint64(last.Int64)
	sum.MaxClients = int(maxClients.Int64)
	sum.MaxEntities = int(maxEntities.Int64)
	sum.Packets = packets.Int64
	sum.Bytes = bytes.Int64
	sum.Dropped = dropped.Int64
	sum.Skipped = skipped.Int64
	sum.Inputs = inputs.Int64
	sum.Stale = stale.Int64
	sum.AvgStepMS = avg.Float64
	sum.MaxStepMS = maxStep.Float64

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connects WHERE run_id=?`, runID).Scan(&sum.Connects); err != nil {
		return sum, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM disconnects WHERE run_id=?`, runID).Scan(&sum.Disconnects); err != nil {
		return sum, err
	}
	return sum, nil
}

func (s *SQLiteIndex) Dumps(ctx context.Context, runID string, limit int) ([]DumpRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,tick,path,frames,entities,recorded_at
		FROM dumps WHERE run_id=? ORDER BY tick DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DumpRow
	for rows.Next() {
		var r DumpRow
		var tick int64
		if err := rows.Scan(&r.RunID, &tick, &r.Path, &r.Frames, &r.Entities, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}
