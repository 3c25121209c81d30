package driver

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

// TypeSimulated is the registry tag of the simulated driver.
const TypeSimulated = "simulated"

// Simulated produces a sine wave around a base value.
//
// Config keys:
//
//	base             float    centre of the wave (default 20)
//	amplitude        float    peak deviation (default 0)
//	period           duration wave period (default 60s)
//	unit             string   reported unit metadata
//	measurement_type string   reported measurement metadata (default "simulated")
//	fail_every       int      every Nth poll fails; 0 never fails
//	delay            duration artificial latency per poll
type Simulated struct {
	spec            Spec
	base            float64
	amplitude       float64
	period          time.Duration
	unit            string
	measurementType string
	failEvery       int
	delay           time.Duration

	startOnce sync.Once
	start     time.Time
	polls     atomic.Int64
}

// NewSimulated is the [Constructor] for [TypeSimulated].
func NewSimulated(spec Spec) (Driver, error) {
	p := newParams(TypeSimulated, spec.Config)
	s := &Simulated{
		spec:            spec,
		base:            p.Float("base", 20),
		amplitude:       p.Float("amplitude", 0),
		period:          p.Duration("period", time.Minute),
		unit:            p.String("unit", ""),
		measurementType: p.String("measurement_type", "simulated"),
		failEvery:       p.IntRange("fail_every", 0, 0, math.MaxInt32),
		delay:           p.Duration("delay", 0),
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	if s.period <= 0 {
		return nil, configErr(TypeSimulated, "period", "must be positive")
	}
	return s, nil
}

// Poll implements [Driver].
func (s *Simulated) Poll(ctx context.Context) device.PollResult {
	s.startOnce.Do(func() { s.start = time.Now() })
	n := s.polls.Add(1)

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return device.Failure(ctx.Err())
		}
	}

	if s.failEvery > 0 && n%int64(s.failEvery) == 0 {
		return device.Failure(errors.New("simulated fault"))
	}

	elapsed := time.Since(s.start).Seconds()
	value := s.base + s.amplitude*math.Sin(2*math.Pi*elapsed/s.period.Seconds())
	value = math.Round(value*100) / 100

	return device.Success(value, map[string]string{
		"unit":             s.unit,
		"measurement_type": s.measurementType,
	})
}

// TestConnection implements [Driver]. A simulated device is always reachable.
func (s *Simulated) TestConnection(ctx context.Context) bool {
	return ctx.Err() == nil
}
