package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

// The contract tests run against every implementation.

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func appendAt(t *testing.T, s HistoryStore, deviceID int64, ts time.Time, value *float64) device.HistoryRecord {
	t.Helper()
	rec := device.HistoryRecord{DeviceID: deviceID, Timestamp: ts, Value: value}
	if err := s.Append(context.Background(), &rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return rec
}

func testHistoryStore(t *testing.T, open func(t *testing.T) HistoryStore) {
	t.Run("AppendRoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		rec := device.HistoryRecord{
			DeviceID:  1,
			Timestamp: epoch,
			Value:     ptr(25.5),
			Metadata:  map[string]string{"unit": "C"},
		}
		if err := s.Append(ctx, &rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if rec.ID == 0 {
			t.Error("Append() did not assign an ID")
		}

		got, err := s.QueryRange(ctx, 1, epoch, epoch)
		if err != nil {
			t.Fatalf("QueryRange() error = %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("QueryRange() = %d records, want 1", len(got))
		}
		if got[0].ID != rec.ID {
			t.Errorf("ID = %d, want %d", got[0].ID, rec.ID)
		}
		if got[0].Value == nil || *got[0].Value != 25.5 {
			t.Errorf("Value = %v, want 25.5", got[0].Value)
		}
		if got[0].Metadata["unit"] != "C" {
			t.Errorf("Metadata = %v, want unit=C", got[0].Metadata)
		}
		if !got[0].Timestamp.Equal(epoch) || got[0].Timestamp.Location() != time.UTC {
			t.Errorf("Timestamp = %v, want %v in UTC", got[0].Timestamp, epoch)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		payload := map[string]any{"voltage": 230.5, "current": 1.25}
		rec := device.HistoryRecord{DeviceID: 2, Timestamp: epoch, JSONValue: payload}
		if err := s.Append(ctx, &rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		latest, err := s.Latest(ctx, 2)
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if latest == nil {
			t.Fatal("Latest() = nil")
		}
		if latest.Value != nil {
			t.Errorf("Value = %v, want nil", *latest.Value)
		}
		if !reflect.DeepEqual(latest.JSONValue, payload) {
			t.Errorf("JSONValue = %v, want %v", latest.JSONValue, payload)
		}
	})

	t.Run("QueryRangeInclusiveAndOrdered", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		// appended out of order
		appendAt(t, s, 1, epoch.Add(2*time.Minute), ptr(3))
		appendAt(t, s, 1, epoch, ptr(1))
		appendAt(t, s, 1, epoch.Add(time.Minute), ptr(2))
		appendAt(t, s, 1, epoch.Add(3*time.Minute), ptr(4))
		appendAt(t, s, 9, epoch.Add(time.Minute), ptr(99))

		got, err := s.QueryRange(ctx, 1, epoch, epoch.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("QueryRange() error = %v", err)
		}
		want := []float64{1, 2, 3}
		if len(got) != len(want) {
			t.Fatalf("QueryRange() = %d records, want %d", len(got), len(want))
		}
		for i, w := range want {
			if *got[i].Value != w {
				t.Errorf("QueryRange()[%d].Value = %v, want %v", i, *got[i].Value, w)
			}
		}

		empty, err := s.QueryRange(ctx, 1, epoch.Add(time.Hour), epoch.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("QueryRange() error = %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("QueryRange() outside data = %d records, want 0", len(empty))
		}
	})

	t.Run("Latest", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		got, err := s.Latest(ctx, 1)
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if got != nil {
			t.Errorf("Latest() with no history = %v, want nil", got)
		}

		appendAt(t, s, 1, epoch.Add(time.Minute), ptr(2))
		appendAt(t, s, 1, epoch, ptr(1))

		got, err = s.Latest(ctx, 1)
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if got == nil || *got.Value != 2 {
			t.Errorf("Latest() = %v, want value 2", got)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		appendAt(t, s, 1, epoch, ptr(10))
		appendAt(t, s, 1, epoch.Add(time.Minute), ptr(20))
		appendAt(t, s, 1, epoch.Add(2*time.Minute), nil)
		appendAt(t, s, 1, epoch.Add(3*time.Minute), ptr(30))

		got, err := s.Stats(ctx, 1, epoch, epoch.Add(time.Hour))
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		want := device.Stats{Min: 10, Max: 30, Avg: 20, Count: 3}
		if got != want {
			t.Errorf("Stats() = %+v, want %+v", got, want)
		}

		empty, err := s.Stats(ctx, 2, epoch, epoch.Add(time.Hour))
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if empty != (device.Stats{}) {
			t.Errorf("Stats() with no data = %+v, want zero", empty)
		}
	})

	t.Run("PurgeOlderThan", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		horizon := epoch.Add(-30 * 24 * time.Hour)
		appendAt(t, s, 1, epoch.Add(-40*24*time.Hour), ptr(1))
		appendAt(t, s, 2, epoch.Add(-31*24*time.Hour), ptr(2))
		appendAt(t, s, 1, horizon, ptr(3))
		appendAt(t, s, 1, epoch, ptr(4))

		n, err := s.PurgeOlderThan(ctx, horizon)
		if err != nil {
			t.Fatalf("PurgeOlderThan() error = %v", err)
		}
		if n != 2 {
			t.Errorf("PurgeOlderThan() = %d, want 2", n)
		}

		// idempotent
		n, err = s.PurgeOlderThan(ctx, horizon)
		if err != nil {
			t.Fatalf("PurgeOlderThan() error = %v", err)
		}
		if n != 0 {
			t.Errorf("second PurgeOlderThan() = %d, want 0", n)
		}

		rest, err := s.QueryRange(ctx, 1, epoch.Add(-365*24*time.Hour), epoch)
		if err != nil {
			t.Fatalf("QueryRange() error = %v", err)
		}
		if len(rest) != 2 {
			t.Fatalf("remaining records = %d, want 2", len(rest))
		}
		if !rest[0].Timestamp.Equal(horizon) {
			t.Errorf("record at horizon should survive, got %v", rest[0].Timestamp)
		}
	})

	t.Run("PurgeDevice", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		appendAt(t, s, 1, epoch, ptr(1))
		appendAt(t, s, 1, epoch.Add(time.Minute), ptr(2))
		appendAt(t, s, 2, epoch, ptr(3))

		n, err := s.PurgeDevice(ctx, 1)
		if err != nil {
			t.Fatalf("PurgeDevice() error = %v", err)
		}
		if n != 2 {
			t.Errorf("PurgeDevice() = %d, want 2", n)
		}
		if got, _ := s.Latest(ctx, 1); got != nil {
			t.Errorf("Latest() after purge = %v, want nil", got)
		}
		if got, _ := s.Latest(ctx, 2); got == nil {
			t.Error("PurgeDevice() removed another device's history")
		}
	})
}

func testDeviceTable(t *testing.T, open func(t *testing.T) DeviceTable) {
	newDevice := func(name string, active bool) *device.Device {
		return &device.Device{
			Name:         name,
			DeviceType:   "simulated",
			Address:      "sim://" + name,
			PollEnabled:  true,
			PollInterval: 30,
			Unit:         "C",
			MinValue:     ptr(-10),
			Config:       map[string]any{"base": 21.5},
			IsActive:     active,
		}
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		tbl := open(t)
		ctx := context.Background()

		d := newDevice("boiler", true)
		if err := tbl.SaveDevice(ctx, d); err != nil {
			t.Fatalf("SaveDevice() error = %v", err)
		}
		if d.ID == 0 {
			t.Fatal("SaveDevice() did not assign an ID")
		}

		got, err := tbl.GetDevice(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Name != "boiler" || got.PollInterval != 30 || got.Unit != "C" {
			t.Errorf("GetDevice() = %+v", got)
		}
		if got.MinValue == nil || *got.MinValue != -10 || got.MaxValue != nil {
			t.Errorf("GetDevice() bounds = %v/%v, want -10/nil", got.MinValue, got.MaxValue)
		}
		if !reflect.DeepEqual(got.Config, d.Config) {
			t.Errorf("GetDevice().Config = %v, want %v", got.Config, d.Config)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		tbl := open(t)
		_, err := tbl.GetDevice(context.Background(), 404)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDevice() error = %v, want ErrNotFound", err)
		}
		err = tbl.UpdateStatus(context.Background(), 404, epoch, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateStatus() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		tbl := open(t)
		ctx := context.Background()

		for _, d := range []*device.Device{newDevice("a", true), newDevice("b", false), newDevice("c", true)} {
			if err := tbl.SaveDevice(ctx, d); err != nil {
				t.Fatalf("SaveDevice() error = %v", err)
			}
		}

		all, err := tbl.ListDevices(ctx)
		if err != nil {
			t.Fatalf("ListDevices() error = %v", err)
		}
		if len(all) != 3 {
			t.Errorf("ListDevices() = %d devices, want 3", len(all))
		}

		active, err := tbl.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive() error = %v", err)
		}
		if len(active) != 2 || active[0].Name != "a" || active[1].Name != "c" {
			t.Errorf("ListActive() = %v, want [a c]", active)
		}
	})

	t.Run("StatusSurvivesConfigUpdate", func(t *testing.T) {
		tbl := open(t)
		ctx := context.Background()

		d := newDevice("pump", true)
		if err := tbl.SaveDevice(ctx, d); err != nil {
			t.Fatalf("SaveDevice() error = %v", err)
		}

		msg := "timeout"
		if err := tbl.UpdateStatus(ctx, d.ID, epoch, &msg); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}

		d.PollInterval = 60
		d.LastPolled = nil
		d.LastError = nil
		if err := tbl.SaveDevice(ctx, d); err != nil {
			t.Fatalf("SaveDevice() error = %v", err)
		}

		got, err := tbl.GetDevice(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.PollInterval != 60 {
			t.Errorf("PollInterval = %d, want 60", got.PollInterval)
		}
		if got.LastPolled == nil || !got.LastPolled.Equal(epoch) {
			t.Errorf("LastPolled = %v, want %v", got.LastPolled, epoch)
		}
		if got.LastError == nil || *got.LastError != "timeout" {
			t.Errorf("LastError = %v, want timeout", got.LastError)
		}

		// success clears the error
		if err := tbl.UpdateStatus(ctx, d.ID, epoch.Add(time.Minute), nil); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		got, _ = tbl.GetDevice(ctx, d.ID)
		if got.LastError != nil {
			t.Errorf("LastError = %v, want nil", *got.LastError)
		}

		// a zero time only writes the error
		msg = "configuration error: bad register"
		if err := tbl.UpdateStatus(ctx, d.ID, time.Time{}, &msg); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		got, _ = tbl.GetDevice(ctx, d.ID)
		if got.LastPolled == nil || !got.LastPolled.Equal(epoch.Add(time.Minute)) {
			t.Errorf("LastPolled = %v, want %v", got.LastPolled, epoch.Add(time.Minute))
		}
		if got.LastError == nil || *got.LastError != msg {
			t.Errorf("LastError = %v, want %q", got.LastError, msg)
		}
	})

	t.Run("ErrorOnlyStatusOnNeverPolledDevice", func(t *testing.T) {
		tbl := open(t)
		ctx := context.Background()

		d := newDevice("valve", true)
		if err := tbl.SaveDevice(ctx, d); err != nil {
			t.Fatalf("SaveDevice() error = %v", err)
		}
		msg := "configuration error: missing coil"
		if err := tbl.UpdateStatus(ctx, d.ID, time.Time{}, &msg); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}

		got, err := tbl.GetDevice(ctx, d.ID)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.LastPolled != nil {
			t.Errorf("LastPolled = %v, want nil", got.LastPolled)
		}
		if got.LastError == nil || *got.LastError != msg {
			t.Errorf("LastError = %v, want %q", got.LastError, msg)
		}
	})

	t.Run("ChangeNotification", func(t *testing.T) {
		tbl := open(t)
		notifier, ok := tbl.(ChangeNotifier)
		if !ok {
			t.Skip("table does not signal changes")
		}

		if err := tbl.SaveDevice(context.Background(), newDevice("fan", true)); err != nil {
			t.Fatalf("SaveDevice() error = %v", err)
		}
		select {
		case <-notifier.Changes():
		case <-time.After(time.Second):
			t.Error("Changes() did not signal after SaveDevice()")
		}
	})
}
