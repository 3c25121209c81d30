package devicepoll

import (
	"time"

	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/internal/poller"
)

// PollEvent holds the outcome of one completed poll.
//
// PollEvent is a copy: callbacks may keep or modify it without affecting
// the Service.
type PollEvent struct {
	// Device is the configuration the poll ran with.
	Device device.Device

	// Success reports whether the driver produced a reading.
	Success bool

	// Value is the scalar reading, if any.
	Value *float64

	// Payload is the structured reading, if any.
	Payload map[string]any

	// Metadata is the driver's result metadata, such as unit.
	Metadata map[string]string

	// Error is the failure message. Empty on success.
	Error string

	// Timestamp is the UTC capture time.
	Timestamp time.Time

	// RecordID is the ID of the persisted history record, or 0 if the poll
	// was not recorded.
	RecordID int64
}

// newPollEvent converts a scheduler event to the public type.
// Mutable fields are copied so callbacks never share maps with the scheduler.
func newPollEvent(ev poller.Event) PollEvent {
	out := PollEvent{
		Device:    ev.Device.Clone(),
		Success:   ev.Result.Success,
		Payload:   device.CloneConfig(ev.Result.Payload),
		Metadata:  copyMap(ev.Result.Metadata),
		Error:     ev.Result.Error,
		Timestamp: ev.Result.Timestamp,
	}
	if ev.Result.Value != nil {
		v := *ev.Result.Value
		out.Value = &v
	}
	if ev.Record != nil {
		out.RecordID = ev.Record.ID
		out.Timestamp = ev.Record.Timestamp
	}
	return out
}

// copyMap returns a copy of m, or nil if m is nil.
func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
