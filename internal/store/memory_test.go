package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

func TestMemoryStore_History(t *testing.T) {
	testHistoryStore(t, func(t *testing.T) HistoryStore { return NewMemoryStore() })
}

func TestMemoryStore_Devices(t *testing.T) {
	testDeviceTable(t, func(t *testing.T) DeviceTable { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := device.HistoryRecord{DeviceID: 1, Timestamp: epoch, Value: ptr(1), Metadata: map[string]string{"unit": "C"}}
	if err := store.Append(ctx, &rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// mutating the caller's record must not reach the store
	*rec.Value = 99
	rec.Metadata["unit"] = "F"

	got, _ := store.Latest(ctx, 1)
	if *got.Value != 1 || got.Metadata["unit"] != "C" {
		t.Errorf("Latest() = %v %v, want 1 C", *got.Value, got.Metadata)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Append(ctx, &device.HistoryRecord{DeviceID: 1, Timestamp: epoch})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Append() error = %v, want context.Canceled", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Op != "append" {
		t.Errorf("Append() error = %v, want *store.Error with op append", err)
	}
}

func TestMemoryStore_SaveDeviceKeepsExplicitID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveDevice(ctx, &device.Device{ID: 10, Name: "a", DeviceType: "simulated", PollInterval: 1}); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	d := &device.Device{Name: "b", DeviceType: "simulated", PollInterval: 1}
	if err := store.SaveDevice(ctx, d); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	if d.ID != 11 {
		t.Errorf("assigned ID = %d, want 11", d.ID)
	}
}

func TestMemoryStore_ChangesCoalesce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = store.SaveDevice(ctx, &device.Device{Name: "a", DeviceType: "simulated", PollInterval: 1})
	}

	<-store.Changes()
	select {
	case <-store.Changes():
		t.Error("Changes() should coalesce pending signals")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 10
	numAppends := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < numAppends; j++ {
				_ = store.Append(ctx, &device.HistoryRecord{
					DeviceID:  id,
					Timestamp: epoch.Add(time.Duration(j) * time.Second),
					Value:     ptr(float64(j)),
				})
			}
		}(int64(i % 3))
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numAppends; j++ {
				_, _ = store.Latest(ctx, 1)
				_, _ = store.PurgeOlderThan(ctx, epoch)
			}
		}()
	}

	wg.Wait()

	var total int
	for id := int64(0); id < 3; id++ {
		rows, _ := store.QueryRange(ctx, id, epoch, epoch.Add(time.Hour))
		for i := 1; i < len(rows); i++ {
			if rows[i].Timestamp.Before(rows[i-1].Timestamp) {
				t.Fatalf("device %d history out of order at %d", id, i)
			}
		}
		total += len(rows)
	}
	if total != numGoroutines*numAppends {
		t.Errorf("total records = %d, want %d", total, numGoroutines*numAppends)
	}
}
