package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
	"github.com/jpalmerr/devicepoll/internal/store"
)

// ErrPollTimeout is the failure recorded when a poll exceeds the scheduler's
// poll timeout.
var ErrPollTimeout = errors.New("timeout")

// ErrNotRunning is returned by [Scheduler.Reconcile] before Start or after
// Stop.
var ErrNotRunning = errors.New("scheduler not running")

const (
	defaultRefreshInterval = 2 * time.Minute
	defaultPollTimeout     = 10 * time.Second
	defaultShutdownGrace   = 5 * time.Second
	defaultEventBuffer     = 100
)

// Event is emitted after every completed poll.
type Event struct {
	// Device is the configuration the poll ran with.
	Device device.Device

	// Result is the normalized poll outcome.
	Result device.PollResult

	// Record is the persisted history row, or nil if nothing was written.
	Record *device.HistoryRecord
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithRefreshInterval sets the period of the reconciliation scan.
// Non-positive values are ignored.
func WithRefreshInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithPollTimeout sets the outer bound on a single poll.
// Non-positive values are ignored.
func WithPollTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight polls before
// cancelling them. Negative values are ignored.
func WithShutdownGrace(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithFailureRecords controls whether failed polls append a history record.
// Failed polls always update the device's last error and last polled time.
func WithFailureRecords(enabled bool) SchedulerOption {
	return func(s *Scheduler) {
		s.recordFailures = enabled
	}
}

// WithEventBuffer sets the capacity of the [Scheduler.Events] channel.
func WithEventBuffer(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 0 {
			s.eventBuffer = n
		}
	}
}

// withIntervalUnit scales device poll intervals; tests use milliseconds.
func withIntervalUnit(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.unit = d
		}
	}
}

// Scheduler polls every schedulable device on its own timer.
//
// Each device owns a goroutine with a [time.Ticker] armed at the device's
// poll interval. At most one poll per device is in flight; a tick that fires
// while the previous poll is still running is skipped. Devices never wait on
// each other, and a fault in one driver only affects that device's status.
//
// The live schedule follows the [store.DeviceTable] through reconciliation:
// on Start, every refresh interval, on [store.ChangeNotifier] signals and on
// explicit [Scheduler.Reconcile] calls.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	table    store.DeviceTable
	history  store.HistoryStore
	registry *driver.Registry
	logger   *slog.Logger

	refresh        time.Duration
	pollTimeout    time.Duration
	grace          time.Duration
	recordFailures bool
	eventBuffer    int
	unit           time.Duration

	events chan Event

	// reconcileMu serialises reconciliation passes
	reconcileMu sync.Mutex

	mu         sync.Mutex
	workers    map[int64]*worker
	retired    map[int64]*worker // unscheduled workers whose poll may still run
	faults     map[int64]configFault
	ctx        context.Context
	cancel     context.CancelFunc
	pollCtx    context.Context
	pollCancel context.CancelFunc
	started    bool
	stopped    bool
	closeOnce  sync.Once

	stampMu   sync.Mutex
	lastStamp map[int64]time.Time

	wg    sync.WaitGroup // control loop and device loops
	polls sync.WaitGroup // in-flight polls
}

// configFault records a device whose driver could not be constructed. The
// device stays unscheduled until its fingerprint changes.
type configFault struct {
	fingerprint string
	device      device.Device
	message     string
}

// NewScheduler creates a [Scheduler] reading devices from table, writing
// history to history and building drivers from registry.
//
// The scheduler must be started with [Scheduler.Start] and stopped with
// [Scheduler.Stop]. Poll events are available via [Scheduler.Events].
func NewScheduler(table store.DeviceTable, history store.HistoryStore, registry *driver.Registry, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		table:       table,
		history:     history,
		registry:    registry,
		logger:      logger,
		refresh:     defaultRefreshInterval,
		pollTimeout: defaultPollTimeout,
		grace:       defaultShutdownGrace,
		eventBuffer: defaultEventBuffer,
		unit:        time.Second,
		workers:     make(map[int64]*worker),
		retired:     make(map[int64]*worker),
		faults:      make(map[int64]configFault),
		lastStamp:   make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = make(chan Event, s.eventBuffer)
	return s
}

// Events returns a receive-only channel of completed polls.
//
// Sends never block: when the buffer is full the event is dropped. The
// channel is closed when the scheduler stops.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && s.ctx.Err() == nil
}

// Start runs an initial reconciliation and begins the control loop in a
// background goroutine.
//
// Start is non-blocking. Cancelling ctx stops all timers like [Scheduler.Stop]
// but does not cut in-flight polls short. If ctx is nil,
// context.Background() is used. Start is idempotent; if Stop was called
// before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pollCtx, s.pollCancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop cancels every device timer, waits up to the shutdown grace period for
// in-flight polls, then cancels whatever is still running.
//
// Stop is idempotent and safe to call multiple times. Calling Stop before
// Start is a safe no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	pollCancel := s.pollCancel
	s.mu.Unlock()

	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.polls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn("shutdown grace elapsed, cancelling in-flight polls", "grace", s.grace)
		if pollCancel != nil {
			pollCancel()
		}
		<-done
	}
	if pollCancel != nil {
		pollCancel()
	}

	s.mu.Lock()
	s.workers = make(map[int64]*worker)
	s.retired = make(map[int64]*worker)
	s.mu.Unlock()

	// ensure channel is closed even if Start() was never called
	s.closeOnce.Do(func() { close(s.events) })
}

// run is the control loop: reconcile now, then on every refresh tick and
// change notification.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.reconcileAndLog(ctx)

	var changes <-chan struct{}
	if n, ok := s.table.(store.ChangeNotifier); ok {
		changes = n.Changes()
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileAndLog(ctx)
		case <-changes:
			s.reconcileAndLog(ctx)
		}
	}
}

func (s *Scheduler) reconcileAndLog(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil && !errors.Is(err, ErrNotRunning) && ctx.Err() == nil {
		s.logger.Error("reconciliation failed", "error", err)
	}
}

// Reconcile aligns the running schedule with the device table.
//
// Every active, poll-enabled device gets a timer at its current interval.
// An interval change rearms the existing timer without touching an
// in-flight poll; a change of type, address or config replaces the driver.
// Devices that are disabled or gone are stopped; their in-flight poll is
// allowed to finish and its result is discarded.
//
// Unknown device types are skipped and reported in the returned error,
// joined with [errors.Join]. Devices whose config the driver rejects are
// marked with a configuration error and left unscheduled until their
// config changes.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	if !s.Running() {
		return ErrNotRunning
	}

	active, err := s.table.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active devices: %w", err)
	}

	wanted := make(map[int64]device.Device, len(active))
	for _, d := range active {
		if d.Schedulable() {
			wanted[d.ID] = d
		}
	}

	var errs []error

	s.mu.Lock()
	for id, w := range s.workers {
		if _, ok := wanted[id]; !ok {
			s.retireLocked(id, w, "device disabled or removed")
		}
	}
	for id := range s.faults {
		if _, ok := wanted[id]; !ok {
			delete(s.faults, id)
		}
	}
	for id, w := range s.retired {
		select {
		case <-w.idle():
			delete(s.retired, id)
		default:
		}
	}
	s.mu.Unlock()

	ids := make([]int64, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := s.reconcileDevice(ctx, wanted[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reconcileDevice schedules, updates or replaces the worker for one
// schedulable device.
func (s *Scheduler) reconcileDevice(ctx context.Context, d device.Device) error {
	fp := fingerprint(d)
	interval := s.interval(d)

	s.mu.Lock()
	w, exists := s.workers[d.ID]
	fault, faulted := s.faults[d.ID]
	s.mu.Unlock()

	if exists && w.fingerprint == fp {
		if old := w.update(d, interval); old != interval {
			s.logger.Info("poll interval changed",
				"device_id", d.ID, "device", d.Name, "from", old, "to", interval)
		}
		return nil
	}
	if faulted && fault.fingerprint == fp {
		return nil
	}

	ctor, err := s.registry.Resolve(d.DeviceType)
	if err != nil {
		s.stopWorker(d.ID, "device type unavailable")
		return fmt.Errorf("device %d (%s): %w", d.ID, d.Name, err)
	}

	drv, err := ctor(driver.SpecFor(d))
	if err != nil {
		s.stopWorker(d.ID, "configuration error")
		s.markConfigFault(ctx, d, fp, err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	delete(s.faults, d.ID)
	if old, ok := s.workers[d.ID]; ok {
		s.retireLocked(d.ID, old, "driver configuration changed")
	}

	// a retired worker's poll must finish before the new driver polls
	prev := s.retired[d.ID]
	delete(s.retired, d.ID)

	w = newWorker(s.ctx, d, drv, fp, interval, prev)
	s.workers[d.ID] = w
	s.wg.Add(1)
	go s.runWorker(w)

	s.logger.Info("device scheduled",
		"device_id", d.ID, "device", d.Name, "type", d.DeviceType, "interval", interval)
	return nil
}

func (s *Scheduler) markConfigFault(ctx context.Context, d device.Device, fp string, err error) {
	msg := "configuration error: " + err.Error()
	s.logger.Warn("device not scheduled", "device_id", d.ID, "device", d.Name, "error", err)

	s.mu.Lock()
	s.faults[d.ID] = configFault{fingerprint: fp, device: d, message: msg}
	s.mu.Unlock()

	// the device was not polled, so LastPolled is left as is
	if err := s.table.UpdateStatus(ctx, d.ID, time.Time{}, &msg); err != nil {
		s.logger.Error("status update failed", "device_id", d.ID, "error", err)
	}
}

func (s *Scheduler) stopWorker(id int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		s.retireLocked(id, w, reason)
	}
}

// retireLocked cancels a worker's timer and discards its in-flight result.
// Caller must hold s.mu.
func (s *Scheduler) retireLocked(id int64, w *worker, reason string) {
	w.retire()
	delete(s.workers, id)
	s.retired[id] = w
	s.logger.Info("device unscheduled", "device_id", id, "reason", reason)
}

func (s *Scheduler) interval(d device.Device) time.Duration {
	n := d.PollInterval
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * s.unit
}

// runWorker is one device's timer loop. The first poll fires immediately,
// or as soon as the poll of the worker it replaced has returned.
func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	defer w.ticker.Stop()

	if w.prev != nil {
		select {
		case <-w.prev.idle():
		case <-w.ctx.Done():
			return
		}
		w.prev = nil
		w.rearm()
	}

	s.fire(w)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.ticker.C:
			s.fire(w)
		}
	}
}

// fire starts a poll unless one is already in flight for this device.
func (s *Scheduler) fire(w *worker) {
	if w.ctx.Err() != nil {
		return
	}
	if !w.begin() {
		n := w.skipped.Add(1)
		s.logger.Debug("poll skipped, previous poll still running",
			"device_id", w.id, "skipped", n)
		return
	}

	// The device stays busy until both the poll goroutine and the driver
	// call are done. A driver abandoned on timeout keeps it busy until it
	// returns.
	var pending atomic.Int32
	pending.Store(2)
	release := func() {
		if pending.Add(-1) == 0 {
			w.end()
		}
	}

	s.polls.Add(1)
	go func() {
		defer s.polls.Done()
		defer release()
		s.pollDevice(w, release)
	}()
}

func (s *Scheduler) pollDevice(w *worker, release func()) {
	d := w.snapshot()

	result := s.invoke(w.driver, d, release)

	// retire waits for commitMu, so nothing is written after it returns
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	if w.retired.Load() {
		s.logger.Debug("discarding result of unscheduled device", "device_id", d.ID)
		return
	}

	result.Timestamp = s.clamp(d.ID, result.Timestamp)
	s.handleResult(w, d, result)
}

// invoke runs one poll under the poll timeout. A driver that overruns is
// abandoned and reported as a timeout; release runs when the driver call
// finally returns.
func (s *Scheduler) invoke(drv driver.Driver, d device.Device, release func()) device.PollResult {
	ctx, cancel := context.WithTimeout(s.pollCtx, s.pollTimeout)
	defer cancel()

	done := make(chan device.PollResult, 1)
	go func() {
		defer release()
		done <- s.safePoll(ctx, drv, d)
	}()

	select {
	case r := <-done:
		return r.Normalize()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return device.Failure(ErrPollTimeout)
		}
		return device.Failure(ctx.Err())
	}
}

// safePoll calls the driver with panic recovery.
// If the driver panics, it logs the full stack trace with a correlation ID
// and returns a failed result with a message containing the ID.
func (s *Scheduler) safePoll(ctx context.Context, drv driver.Driver, d device.Device) (result device.PollResult) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			stack := debug.Stack()

			// log full context server-side for debugging
			s.logger.Error("driver panic",
				"correlation_id", correlationID,
				"device_id", d.ID,
				"device", d.Name,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(stack),
			)

			result = device.Failuref("driver panic (correlation_id: %s)", correlationID)
		}
	}()
	return drv.Poll(ctx)
}

// clamp keeps a device's result timestamps non-decreasing in completion
// order.
func (s *Scheduler) clamp(id int64, ts time.Time) time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	if last, ok := s.lastStamp[id]; ok && ts.Before(last) {
		ts = last
	}
	s.lastStamp[id] = ts
	return ts
}

func (s *Scheduler) handleResult(w *worker, d device.Device, result device.PollResult) {
	ctx := s.pollCtx

	var rec *device.HistoryRecord
	if result.Success || s.recordFailures {
		r := device.NewHistoryRecord(d.ID, result)
		if err := s.history.Append(ctx, &r); err != nil {
			s.logger.Error("history append failed", "device_id", d.ID, "error", err)
		} else {
			rec = &r
		}
	}

	var lastErr *string
	if !result.Success {
		msg := result.Error
		lastErr = &msg
	}
	if err := s.table.UpdateStatus(ctx, d.ID, result.Timestamp, lastErr); err != nil {
		s.logger.Error("status update failed", "device_id", d.ID, "error", err)
	}
	w.recordStatus(result.Timestamp, lastErr)

	if result.Success {
		s.logger.Debug("poll succeeded", "device_id", d.ID, "device", d.Name)
	} else {
		s.logger.Warn("poll failed", "device_id", d.ID, "device", d.Name, "error", result.Error)
	}

	select {
	case s.events <- Event{Device: d, Result: result, Record: rec}:
	default:
		// consumer is slow, drop the event
	}
}

// fingerprint identifies the driver-relevant part of a device. A change
// requires a new driver.
func fingerprint(d device.Device) string {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		cfg = []byte(fmt.Sprintf("%v", d.Config))
	}
	return d.DeviceType + "\x00" + d.Address + "\x00" + string(cfg)
}

// worker is the scheduling state of one device.
type worker struct {
	id          int64
	driver      driver.Driver
	fingerprint string
	ticker      *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc

	// prev is the worker this one replaced; read only by runWorker
	prev *worker

	retired atomic.Bool
	skipped atomic.Uint64

	// commitMu covers writing one result; retire takes it too
	commitMu sync.Mutex

	mu         sync.Mutex
	busy       chan struct{} // non-nil while a poll is in flight, closed when it ends
	device     device.Device
	interval   time.Duration
	lastPolled *time.Time
	lastError  *string
}

func newWorker(parent context.Context, d device.Device, drv driver.Driver, fp string, interval time.Duration, prev *worker) *worker {
	ctx, cancel := context.WithCancel(parent)
	return &worker{
		id:          d.ID,
		prev:        prev,
		driver:      drv,
		fingerprint: fp,
		ticker:      time.NewTicker(interval),
		ctx:         ctx,
		cancel:      cancel,
		device:      d.Clone(),
		interval:    interval,
		lastPolled:  d.LastPolled,
		lastError:   d.LastError,
	}
}

// update applies a configuration refresh that keeps the driver. The ticker
// is rearmed only when the interval changed. Returns the previous interval.
func (w *worker) update(d device.Device, interval time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.interval
	w.device = d.Clone()
	w.device.LastPolled = w.lastPolled
	w.device.LastError = w.lastError
	if interval != old {
		w.interval = interval
		w.ticker.Reset(interval)
	}
	return old
}

// rearm restarts the ticker so the next tick is a full interval away.
func (w *worker) rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticker.Reset(w.interval)
}

// begin marks a poll in flight. It reports false if one already is.
func (w *worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy != nil {
		return false
	}
	w.busy = make(chan struct{})
	return true
}

// end clears the mark set by begin.
func (w *worker) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy != nil {
		close(w.busy)
		w.busy = nil
	}
}

// idle returns a channel that is closed once no poll is in flight.
func (w *worker) idle() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy == nil {
		return closedChan
	}
	return w.busy
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (w *worker) snapshot() device.Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device.Clone()
}

func (w *worker) recordStatus(polledAt time.Time, lastErr *string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := polledAt
	w.lastPolled = &t
	w.lastError = lastErr
	w.device.LastPolled = w.lastPolled
	w.device.LastError = w.lastError
}

// retire stops the timer. A result being written is allowed to finish
// first; any later result is discarded.
func (w *worker) retire() {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	w.retired.Store(true)
	w.cancel()
}

func (w *worker) status() DeviceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := StateScheduled
	if w.busy != nil {
		state = StatePolling
	}
	return DeviceStatus{
		ID:         w.id,
		Name:       w.device.Name,
		DeviceType: w.device.DeviceType,
		State:      state,
		Interval:   w.interval,
		LastPolled: w.lastPolled,
		LastError:  w.lastError,
		Skipped:    w.skipped.Load(),
	}
}
