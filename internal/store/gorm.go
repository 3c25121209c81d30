package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jpalmerr/devicepoll/device"
)

// deviceRow is the relational shape of a device.
type deviceRow struct {
	ID           int64          `gorm:"primaryKey;autoIncrement"`
	Name         string         `gorm:"type:varchar(100);not null"`
	DeviceType   string         `gorm:"type:varchar(50);not null;index"`
	Address      string         `gorm:"type:varchar(255)"`
	PollEnabled  bool           `gorm:"not null"`
	PollInterval int            `gorm:"not null"`
	Unit         string         `gorm:"type:varchar(20)"`
	MinValue     *float64
	MaxValue     *float64
	Config       datatypes.JSON
	IsActive     bool `gorm:"not null;index"`
	LastPolled   *time.Time
	LastError    *string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (deviceRow) TableName() string { return "devices" }

// historyRow is the relational shape of a history record.
type historyRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	DeviceID  int64          `gorm:"not null;index:idx_history_device_ts,priority:1"`
	Timestamp time.Time      `gorm:"not null;index:idx_history_device_ts,priority:2;index:idx_history_ts"`
	Value     *float64
	JSONValue datatypes.JSON `gorm:"column:json_value"`
	Metadata  datatypes.JSON `gorm:"column:history_metadata"`
}

func (historyRow) TableName() string { return "device_history" }

// configColumns are the device columns owned by configuration writes.
var configColumns = []string{
	"name", "device_type", "address", "poll_enabled", "poll_interval",
	"unit", "min_value", "max_value", "config", "is_active", "updated_at",
}

// GormStore is a relational [HistoryStore] and [DeviceTable] backed by
// GORM. [OpenSQLite] opens it on an SQLite file.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger

	changeSignal
}

// OpenSQLite opens (creating if needed) an SQLite database at path and
// migrates the schema. Use ":memory:" for a throwaway database.
//
// The pool is limited to one connection: SQLite serialises writers anyway,
// and a single connection keeps ":memory:" databases coherent.
func OpenSQLite(path string, log *slog.Logger) (*GormStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, wrap("open", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrap("open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db, log)
}

// NewGormStore wraps an open GORM connection and migrates the schema.
func NewGormStore(db *gorm.DB, log *slog.Logger) (*GormStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&deviceRow{}, &historyRow{}); err != nil {
		return nil, wrap("migrate", err)
	}
	return &GormStore{db: db, logger: log, changeSignal: newChangeSignal()}, nil
}

// Close closes the underlying SQL connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append implements [HistoryStore].
func (g *GormStore) Append(ctx context.Context, rec *device.HistoryRecord) error {
	row, err := toHistoryRow(*rec)
	if err != nil {
		return wrap("append", err)
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrap("append", err)
	}
	rec.ID = row.ID
	rec.Timestamp = row.Timestamp
	return nil
}

// QueryRange implements [HistoryStore].
func (g *GormStore) QueryRange(ctx context.Context, deviceID int64, from, to time.Time) ([]device.HistoryRecord, error) {
	var rows []historyRow
	err := g.db.WithContext(ctx).
		Where("device_id = ? AND timestamp >= ? AND timestamp <= ?", deviceID, from.UTC(), to.UTC()).
		Order("timestamp ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("query range", err)
	}

	out := make([]device.HistoryRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := fromHistoryRow(r)
		if err != nil {
			return nil, wrap("query range", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Latest implements [HistoryStore].
func (g *GormStore) Latest(ctx context.Context, deviceID int64) (*device.HistoryRecord, error) {
	var rows []historyRow
	err := g.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC, id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, wrap("latest", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec, err := fromHistoryRow(rows[0])
	if err != nil {
		return nil, wrap("latest", err)
	}
	return &rec, nil
}

// Stats implements [HistoryStore]. Aggregates run in SQL; COUNT(value)
// skips NULL values.
func (g *GormStore) Stats(ctx context.Context, deviceID int64, from, to time.Time) (device.Stats, error) {
	var agg struct {
		Min   *float64
		Max   *float64
		Avg   *float64
		Count int64
	}
	err := g.db.WithContext(ctx).
		Model(&historyRow{}).
		Select("MIN(value) AS min, MAX(value) AS max, AVG(value) AS avg, COUNT(value) AS count").
		Where("device_id = ? AND timestamp >= ? AND timestamp <= ?", deviceID, from.UTC(), to.UTC()).
		Scan(&agg).Error
	if err != nil {
		return device.Stats{}, wrap("stats", err)
	}
	return statsFrom(agg.Min, agg.Max, agg.Avg, agg.Count), nil
}

// PurgeOlderThan implements [HistoryStore].
func (g *GormStore) PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Where("timestamp < ?", horizon.UTC()).Delete(&historyRow{})
	if res.Error != nil {
		return 0, wrap("purge", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeDevice implements [HistoryStore].
func (g *GormStore) PurgeDevice(ctx context.Context, deviceID int64) (int64, error) {
	res := g.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&historyRow{})
	if res.Error != nil {
		return 0, wrap("purge device", res.Error)
	}
	return res.RowsAffected, nil
}

// ListDevices implements [DeviceTable].
func (g *GormStore) ListDevices(ctx context.Context) ([]device.Device, error) {
	var rows []deviceRow
	if err := g.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, wrap("list devices", err)
	}
	return fromDeviceRows(rows)
}

// ListActive implements [DeviceTable].
func (g *GormStore) ListActive(ctx context.Context) ([]device.Device, error) {
	var rows []deviceRow
	if err := g.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, wrap("list active", err)
	}
	return fromDeviceRows(rows)
}

// GetDevice implements [DeviceTable].
func (g *GormStore) GetDevice(ctx context.Context, id int64) (device.Device, error) {
	var row deviceRow
	err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return device.Device{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return device.Device{}, wrap("get device", err)
	}
	d, err := fromDeviceRow(row)
	if err != nil {
		return device.Device{}, wrap("get device", err)
	}
	return d, nil
}

// SaveDevice implements [DeviceTable]. On conflict only the configuration
// columns are updated, so status written by the scheduler survives.
func (g *GormStore) SaveDevice(ctx context.Context, d *device.Device) error {
	row, err := toDeviceRow(*d)
	if err != nil {
		return wrap("save device", err)
	}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(configColumns),
	}).Create(&row).Error
	if err != nil {
		return wrap("save device", err)
	}
	d.ID = row.ID
	g.notify()
	return nil
}

// UpdateStatus implements [DeviceTable].
func (g *GormStore) UpdateStatus(ctx context.Context, id int64, polledAt time.Time, lastErr *string) error {
	cols := map[string]any{"last_error": lastErr}
	if !polledAt.IsZero() {
		cols["last_polled"] = polledAt.UTC()
	}
	res := g.db.WithContext(ctx).
		Model(&deviceRow{}).
		Where("id = ?", id).
		UpdateColumns(cols)
	if res.Error != nil {
		return wrap("update status", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return nil
}

func toHistoryRow(r device.HistoryRecord) (historyRow, error) {
	jsonValue, err := marshalJSON(r.JSONValue)
	if err != nil {
		return historyRow{}, fmt.Errorf("json_value: %w", err)
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return historyRow{}, fmt.Errorf("history_metadata: %w", err)
	}
	return historyRow{
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp.UTC(),
		Value:     r.Value,
		JSONValue: jsonValue,
		Metadata:  metadata,
	}, nil
}

func fromHistoryRow(r historyRow) (device.HistoryRecord, error) {
	rec := device.HistoryRecord{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp.UTC(),
		Value:     r.Value,
	}
	if err := unmarshalJSON(r.JSONValue, &rec.JSONValue); err != nil {
		return rec, fmt.Errorf("record %d json_value: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.Metadata, &rec.Metadata); err != nil {
		return rec, fmt.Errorf("record %d history_metadata: %w", r.ID, err)
	}
	return rec, nil
}

func toDeviceRow(d device.Device) (deviceRow, error) {
	cfg, err := marshalJSON(d.Config)
	if err != nil {
		return deviceRow{}, fmt.Errorf("config: %w", err)
	}
	row := deviceRow{
		ID:           d.ID,
		Name:         d.Name,
		DeviceType:   d.DeviceType,
		Address:      d.Address,
		PollEnabled:  d.PollEnabled,
		PollInterval: d.PollInterval,
		Unit:         d.Unit,
		MinValue:     d.MinValue,
		MaxValue:     d.MaxValue,
		Config:       cfg,
		IsActive:     d.IsActive,
		LastError:    d.LastError,
	}
	if d.LastPolled != nil {
		t := d.LastPolled.UTC()
		row.LastPolled = &t
	}
	return row, nil
}

func fromDeviceRow(r deviceRow) (device.Device, error) {
	d := device.Device{
		ID:           r.ID,
		Name:         r.Name,
		DeviceType:   r.DeviceType,
		Address:      r.Address,
		PollEnabled:  r.PollEnabled,
		PollInterval: r.PollInterval,
		Unit:         r.Unit,
		MinValue:     r.MinValue,
		MaxValue:     r.MaxValue,
		IsActive:     r.IsActive,
		LastError:    r.LastError,
	}
	if r.LastPolled != nil {
		t := r.LastPolled.UTC()
		d.LastPolled = &t
	}
	if err := unmarshalJSON(r.Config, &d.Config); err != nil {
		return d, fmt.Errorf("device %d config: %w", r.ID, err)
	}
	return d, nil
}

func fromDeviceRows(rows []deviceRow) ([]device.Device, error) {
	out := make([]device.Device, 0, len(rows))
	for _, r := range rows {
		d, err := fromDeviceRow(r)
		if err != nil {
			return nil, wrap("decode device", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// marshalJSON encodes maps for JSON columns; empty maps become NULL.
func marshalJSON[M ~map[K]V, K comparable, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// statsFrom assembles SQL aggregate output, where MIN/MAX/AVG are NULL for
// an empty set.
func statsFrom(min, max, avg *float64, count int64) device.Stats {
	s := device.Stats{Count: int(count)}
	if count == 0 {
		return s
	}
	if min != nil {
		s.Min = *min
	}
	if max != nil {
		s.Max = *max
	}
	if avg != nil {
		s.Avg = *avg
	}
	return s
}

// gormLogger adapts GORM's logger to slog. Only warnings and errors are
// emitted; record-not-found is expected and stays silent.
func newGormLogger(log *slog.Logger) logger.Interface {
	return logger.New(slogWriter{log: log}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.log.Warn("gorm", "message", fmt.Sprintf(format, args...))
}
