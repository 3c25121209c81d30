package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

// MemoryStore is an in-process implementation of [HistoryStore],
// [DeviceTable] and [ChangeNotifier].
//
// MemoryStore is safe for concurrent use. History is kept per device in
// ascending timestamp order; a record whose timestamp is earlier than the
// device's last record is inserted in place. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[int64]device.Device
	history map[int64][]device.HistoryRecord
	nextDev int64
	nextRec int64

	changeSignal
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:      make(map[int64]device.Device),
		history:      make(map[int64][]device.HistoryRecord),
		changeSignal: newChangeSignal(),
	}
}

// Append implements [HistoryStore].
func (m *MemoryStore) Append(ctx context.Context, rec *device.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return wrap("append", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRec++
	rec.ID = m.nextRec
	rec.Timestamp = rec.Timestamp.UTC()

	stored := cloneRecord(*rec)
	rows := m.history[rec.DeviceID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Timestamp.After(stored.Timestamp) })
	rows = append(rows, device.HistoryRecord{})
	copy(rows[i+1:], rows[i:])
	rows[i] = stored
	m.history[rec.DeviceID] = rows
	return nil
}

// QueryRange implements [HistoryStore].
func (m *MemoryStore) QueryRange(ctx context.Context, deviceID int64, from, to time.Time) ([]device.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("query range", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]device.HistoryRecord, 0)
	for _, r := range m.history[deviceID] {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

// Latest implements [HistoryStore].
func (m *MemoryStore) Latest(ctx context.Context, deviceID int64) (*device.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("latest", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.history[deviceID]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := cloneRecord(rows[len(rows)-1])
	return &latest, nil
}

// Stats implements [HistoryStore].
func (m *MemoryStore) Stats(ctx context.Context, deviceID int64, from, to time.Time) (device.Stats, error) {
	rows, err := m.QueryRange(ctx, deviceID, from, to)
	if err != nil {
		return device.Stats{}, err
	}
	return device.ComputeStats(rows), nil
}

// PurgeOlderThan implements [HistoryStore].
func (m *MemoryStore) PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("purge", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, rows := range m.history {
		// rows are sorted, so everything before the cut is older than horizon
		cut := sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(horizon) })
		if cut == 0 {
			continue
		}
		deleted += int64(cut)
		m.history[id] = append([]device.HistoryRecord(nil), rows[cut:]...)
	}
	return deleted, nil
}

// PurgeDevice implements [HistoryStore].
func (m *MemoryStore) PurgeDevice(ctx context.Context, deviceID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("purge device", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.history[deviceID]))
	delete(m.history, deviceID)
	return n, nil
}

// ListDevices implements [DeviceTable].
func (m *MemoryStore) ListDevices(ctx context.Context) ([]device.Device, error) {
	return m.list(ctx, func(device.Device) bool { return true })
}

// ListActive implements [DeviceTable].
func (m *MemoryStore) ListActive(ctx context.Context) ([]device.Device, error) {
	return m.list(ctx, func(d device.Device) bool { return d.IsActive })
}

func (m *MemoryStore) list(ctx context.Context, keep func(device.Device) bool) ([]device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list devices", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDevice implements [DeviceTable].
func (m *MemoryStore) GetDevice(ctx context.Context, id int64) (device.Device, error) {
	if err := ctx.Err(); err != nil {
		return device.Device{}, wrap("get device", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return device.Device{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

// SaveDevice implements [DeviceTable].
func (m *MemoryStore) SaveDevice(ctx context.Context, d *device.Device) error {
	if err := ctx.Err(); err != nil {
		return wrap("save device", err)
	}
	m.mu.Lock()
	if d.ID == 0 {
		m.nextDev++
		d.ID = m.nextDev
	} else if d.ID > m.nextDev {
		m.nextDev = d.ID
	}

	stored := d.Clone()
	if existing, ok := m.devices[d.ID]; ok {
		stored.LastPolled = existing.LastPolled
		stored.LastError = existing.LastError
	}
	m.devices[d.ID] = stored
	m.mu.Unlock()

	m.notify()
	return nil
}

// UpdateStatus implements [DeviceTable].
func (m *MemoryStore) UpdateStatus(ctx context.Context, id int64, polledAt time.Time, lastErr *string) error {
	if err := ctx.Err(); err != nil {
		return wrap("update status", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if !polledAt.IsZero() {
		polled := polledAt.UTC()
		d.LastPolled = &polled
	}
	if lastErr != nil {
		msg := *lastErr
		d.LastError = &msg
	} else {
		d.LastError = nil
	}
	m.devices[id] = d
	return nil
}

// cloneRecord deep-copies r so stored records cannot be mutated by callers.
func cloneRecord(r device.HistoryRecord) device.HistoryRecord {
	cp := r
	if r.Value != nil {
		v := *r.Value
		cp.Value = &v
	}
	if r.JSONValue != nil {
		cp.JSONValue = make(map[string]any, len(r.JSONValue))
		for k, v := range r.JSONValue {
			cp.JSONValue[k] = v
		}
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
