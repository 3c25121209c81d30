package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jpalmerr/devicepoll/device"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS device_history (
	id               BIGSERIAL PRIMARY KEY,
	device_id        BIGINT NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL,
	value            DOUBLE PRECISION,
	json_value       JSONB,
	history_metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_device_history_device_ts ON device_history (device_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_device_history_ts ON device_history (recorded_at);
`

// PostgresHistory is a [HistoryStore] on PostgreSQL (or TimescaleDB) using
// a pgx connection pool.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and creates the
// history table if it does not exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresHistory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrap("open", fmt.Errorf("invalid postgres config: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("open", fmt.Errorf("postgres unreachable: %w", err))
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, wrap("migrate", err)
	}
	return &PostgresHistory{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresHistory) Close() {
	p.pool.Close()
}

// Append implements [HistoryStore].
func (p *PostgresHistory) Append(ctx context.Context, rec *device.HistoryRecord) error {
	jsonValue, err := marshalJSON(rec.JSONValue)
	if err != nil {
		return wrap("append", err)
	}
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return wrap("append", err)
	}

	const query = `INSERT INTO device_history (device_id, recorded_at, value, json_value, history_metadata)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	ts := rec.Timestamp.UTC()
	if err := p.pool.QueryRow(ctx, query, rec.DeviceID, ts, rec.Value, jsonArg(jsonValue), jsonArg(metadata)).Scan(&rec.ID); err != nil {
		return wrap("append", err)
	}
	rec.Timestamp = ts
	return nil
}

// QueryRange implements [HistoryStore].
func (p *PostgresHistory) QueryRange(ctx context.Context, deviceID int64, from, to time.Time) ([]device.HistoryRecord, error) {
	const query = `SELECT id, device_id, recorded_at, value, json_value, history_metadata
		FROM device_history
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC, id ASC`

	rows, err := p.pool.Query(ctx, query, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, wrap("query range", err)
	}
	out, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, wrap("query range", err)
	}
	return out, nil
}

// Latest implements [HistoryStore].
func (p *PostgresHistory) Latest(ctx context.Context, deviceID int64) (*device.HistoryRecord, error) {
	const query = `SELECT id, device_id, recorded_at, value, json_value, history_metadata
		FROM device_history
		WHERE device_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	rows, err := p.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, wrap("latest", err)
	}
	out, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, wrap("latest", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// Stats implements [HistoryStore].
func (p *PostgresHistory) Stats(ctx context.Context, deviceID int64, from, to time.Time) (device.Stats, error) {
	const query = `SELECT MIN(value), MAX(value), AVG(value), COUNT(value)
		FROM device_history
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3`

	var (
		min, max, avg *float64
		count         int64
	)
	if err := p.pool.QueryRow(ctx, query, deviceID, from.UTC(), to.UTC()).Scan(&min, &max, &avg, &count); err != nil {
		return device.Stats{}, wrap("stats", err)
	}
	return statsFrom(min, max, avg, count), nil
}

// PurgeOlderThan implements [HistoryStore].
func (p *PostgresHistory) PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM device_history WHERE recorded_at < $1`, horizon.UTC())
	if err != nil {
		return 0, wrap("purge", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeDevice implements [HistoryStore].
func (p *PostgresHistory) PurgeDevice(ctx context.Context, deviceID int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM device_history WHERE device_id = $1`, deviceID)
	if err != nil {
		return 0, wrap("purge device", err)
	}
	return tag.RowsAffected(), nil
}

func scanHistory(row pgx.CollectableRow) (device.HistoryRecord, error) {
	var (
		rec                 device.HistoryRecord
		jsonValue, metadata []byte
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &rec.Timestamp, &rec.Value, &jsonValue, &metadata); err != nil {
		return rec, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if err := unmarshalJSON(jsonValue, &rec.JSONValue); err != nil {
		return rec, fmt.Errorf("record %d json_value: %w", rec.ID, err)
	}
	if err := unmarshalJSON(metadata, &rec.Metadata); err != nil {
		return rec, fmt.Errorf("record %d history_metadata: %w", rec.ID, err)
	}
	return rec, nil
}

// jsonArg maps an empty encoding to SQL NULL rather than a JSON null.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
