package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// PollResult is the outcome of one driver invocation.
//
// Error is non-empty if and only if Success is false. Timestamp is the UTC
// capture time. A PollResult is never persisted directly; the scheduler
// translates it into a [HistoryRecord].
type PollResult struct {
	Success   bool
	Value     *float64
	Payload   map[string]any
	Metadata  map[string]string
	Error     string
	Timestamp time.Time
}

// Success builds a successful single-value result captured now.
func Success(value float64, metadata map[string]string) PollResult {
	return PollResult{
		Success:   true,
		Value:     &value,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// SuccessPayload builds a successful multi-value result captured now.
func SuccessPayload(payload map[string]any, metadata map[string]string) PollResult {
	return PollResult{
		Success:   true,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// Failure builds a failed result captured now. A nil err yields the message
// "unknown error" so the Error field is never empty on failure.
func Failure(err error) PollResult {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return PollResult{
		Success:   false,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// Failuref is [Failure] with a formatted message.
func Failuref(format string, args ...any) PollResult {
	return Failure(fmt.Errorf(format, args...))
}

// Normalize enforces the result invariants: the timestamp is UTC and
// non-zero, and a failed result always carries an error message.
func (r PollResult) Normalize() PollResult {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	if !r.Success && r.Error == "" {
		r.Error = "unknown error"
	}
	if r.Success {
		r.Error = ""
	}
	return r
}

// HistoryRecord is one persisted sample.
//
// Records are immutable once written; they are removed only by retention
// pruning or an explicit per-device purge.
type HistoryRecord struct {
	ID        int64
	DeviceID  int64
	Timestamp time.Time
	Value     *float64
	JSONValue map[string]any
	Metadata  map[string]string
}

// NewHistoryRecord translates a poll result into a record for deviceID.
//
// A failed result yields a record with no value and the failure message
// under the "error" metadata key.
func NewHistoryRecord(deviceID int64, r PollResult) HistoryRecord {
	rec := HistoryRecord{
		DeviceID:  deviceID,
		Timestamp: r.Timestamp.UTC(),
		JSONValue: r.Payload,
		Metadata:  copyStrings(r.Metadata),
	}
	if r.Value != nil {
		v := *r.Value
		rec.Value = &v
	}
	if !r.Success {
		rec.Value = nil
		rec.JSONValue = nil
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, 1)
		}
		rec.Metadata["error"] = r.Error
	}
	return rec
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

type historyJSON struct {
	ID        int64             `json:"id"`
	DeviceID  int64             `json:"device_id"`
	Timestamp string            `json:"timestamp"`
	Value     *float64          `json:"value"`
	JSONValue map[string]any    `json:"json_value"`
	Metadata  map[string]string `json:"history_metadata"`
}

// MarshalJSON implements json.Marshaler.
func (h HistoryRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(historyJSON{
		ID:        h.ID,
		DeviceID:  h.DeviceID,
		Timestamp: FormatTimestamp(h.Timestamp),
		Value:     h.Value,
		JSONValue: h.JSONValue,
		Metadata:  h.Metadata,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HistoryRecord) UnmarshalJSON(data []byte) error {
	var raw historyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*h = HistoryRecord{
		ID:        raw.ID,
		DeviceID:  raw.DeviceID,
		Timestamp: ts,
		Value:     raw.Value,
		JSONValue: raw.JSONValue,
		Metadata:  raw.Metadata,
	}
	return nil
}

// Stats is an aggregate over the Value field of a set of records.
// Records without a value do not contribute to any field.
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// ComputeStats aggregates records in memory.
func ComputeStats(records []HistoryRecord) Stats {
	var s Stats
	var sum float64
	for _, r := range records {
		if r.Value == nil {
			continue
		}
		v := *r.Value
		if s.Count == 0 || v < s.Min {
			s.Min = v
		}
		if s.Count == 0 || v > s.Max {
			s.Max = v
		}
		sum += v
		s.Count++
	}
	if s.Count > 0 {
		s.Avg = sum / float64(s.Count)
	}
	return s
}
