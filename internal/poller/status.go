package poller

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

// State is the scheduling state of one device.
type State string

const (
	// StateStopped means the device has no timer.
	StateStopped State = "stopped"

	// StateScheduled means the timer is armed and no poll is running.
	StateScheduled State = "scheduled"

	// StatePolling means a poll is in flight.
	StatePolling State = "polling"
)

// DeviceStatus is a point-in-time view of one device's schedule.
type DeviceStatus struct {
	ID         int64
	Name       string
	DeviceType string
	State      State
	Interval   time.Duration
	LastPolled *time.Time
	LastError  *string

	// Skipped counts ticks dropped because a poll was still in flight.
	Skipped uint64
}

type deviceStatusJSON struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	DeviceType      string  `json:"device_type"`
	State           State   `json:"state"`
	IntervalSeconds float64 `json:"interval_seconds"`
	LastPolled      *string `json:"last_polled"`
	LastError       *string `json:"last_error"`
	Skipped         uint64  `json:"skipped"`
}

// MarshalJSON implements json.Marshaler with UTC 'Z' timestamps.
func (d DeviceStatus) MarshalJSON() ([]byte, error) {
	out := deviceStatusJSON{
		ID:              d.ID,
		Name:            d.Name,
		DeviceType:      d.DeviceType,
		State:           d.State,
		IntervalSeconds: d.Interval.Seconds(),
		LastError:       d.LastError,
		Skipped:         d.Skipped,
	}
	if d.LastPolled != nil {
		s := device.FormatTimestamp(*d.LastPolled)
		out.LastPolled = &s
	}
	return json.Marshal(out)
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running bool           `json:"running"`
	Devices []DeviceStatus `json:"devices"`
}

// Device returns the status of one device and whether it is known.
func (st Status) Device(id int64) (DeviceStatus, bool) {
	for _, d := range st.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceStatus{}, false
}

// Status reports whether the scheduler is running and the state of every
// device it knows about, ordered by ID. Devices held back by a
// configuration error are reported as stopped with their error.
func (s *Scheduler) Status() Status {
	running := s.Running()

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	faults := make([]configFault, 0, len(s.faults))
	for _, f := range s.faults {
		faults = append(faults, f)
	}
	s.mu.Unlock()

	devices := make([]DeviceStatus, 0, len(workers)+len(faults))
	for _, w := range workers {
		devices = append(devices, w.status())
	}
	for _, f := range faults {
		msg := f.message
		devices = append(devices, DeviceStatus{
			ID:         f.device.ID,
			Name:       f.device.Name,
			DeviceType: f.device.DeviceType,
			State:      StateStopped,
			Interval:   s.interval(f.device),
			LastPolled: f.device.LastPolled,
			LastError:  &msg,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return Status{Running: running, Devices: devices}
}
