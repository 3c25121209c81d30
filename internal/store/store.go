package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

// ErrNotFound is returned when a device does not exist.
var ErrNotFound = errors.New("not found")

// Error is a storage failure annotated with the failing operation.
//
// Callers treat an Error as transient: the scheduler logs it and retries on
// the next cycle.
type Error struct {
	// Op names the failing operation, e.g. "append" or "purge".
	Op string

	// Err is the underlying driver error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// wrap annotates err with op, passing nil and [ErrNotFound] through as-is.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// HistoryStore is append-only time-series persistence with retention.
//
// All timestamps are UTC; implementations never convert zones. Records of
// one device are returned in ascending timestamp order.
type HistoryStore interface {
	// Append durably writes rec and assigns rec.ID.
	Append(ctx context.Context, rec *device.HistoryRecord) error

	// QueryRange returns the records of deviceID with from <= timestamp <= to,
	// in ascending timestamp order.
	QueryRange(ctx context.Context, deviceID int64, from, to time.Time) ([]device.HistoryRecord, error)

	// Latest returns the most recent record of deviceID, or nil if none exist.
	Latest(ctx context.Context, deviceID int64) (*device.HistoryRecord, error)

	// Stats aggregates the Value field over the same range as QueryRange,
	// ignoring records without a value.
	Stats(ctx context.Context, deviceID int64, from, to time.Time) (device.Stats, error)

	// PurgeOlderThan deletes every record with timestamp strictly before
	// horizon and returns the number deleted.
	PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error)

	// PurgeDevice deletes all history of deviceID and returns the number
	// deleted.
	PurgeDevice(ctx context.Context, deviceID int64) (int64, error)
}

// DeviceTable holds device configuration and live status.
//
// Configuration fields are written by SaveDevice; the status fields
// LastPolled and LastError are written only through UpdateStatus.
type DeviceTable interface {
	// ListDevices returns every device ordered by ID.
	ListDevices(ctx context.Context) ([]device.Device, error)

	// ListActive returns devices with IsActive set, ordered by ID. Callers
	// apply [device.Device.Schedulable] themselves.
	ListActive(ctx context.Context) ([]device.Device, error)

	// GetDevice returns one device or an error wrapping [ErrNotFound].
	GetDevice(ctx context.Context, id int64) (device.Device, error)

	// SaveDevice inserts or updates the configuration of d. A zero ID
	// inserts a new device and assigns d.ID. Existing status fields are
	// preserved on update.
	SaveDevice(ctx context.Context, d *device.Device) error

	// UpdateStatus records the outcome of a poll. A nil lastErr clears the
	// stored error. A zero polledAt leaves LastPolled unchanged.
	UpdateStatus(ctx context.Context, id int64, polledAt time.Time, lastErr *string) error
}

// ChangeNotifier is implemented by device tables that can signal
// configuration changes. A receive on Changes means at least one change
// happened since the previous receive.
type ChangeNotifier interface {
	Changes() <-chan struct{}
}

// changeSignal is a coalescing change notification.
type changeSignal struct {
	ch chan struct{}
}

func newChangeSignal() changeSignal {
	return changeSignal{ch: make(chan struct{}, 1)}
}

// notify signals a change without blocking; pending signals coalesce.
func (c changeSignal) notify() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

// Changes implements [ChangeNotifier].
func (c changeSignal) Changes() <-chan struct{} {
	return c.ch
}
