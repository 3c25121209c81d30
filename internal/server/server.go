package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
	"github.com/jpalmerr/devicepoll/internal/poller"
	"github.com/jpalmerr/devicepoll/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	// shutdownTimeout bounds in-flight requests once the context is cancelled.
	shutdownTimeout = 5 * time.Second

	// defaultHistoryWindow is the query range used when "from" is omitted.
	defaultHistoryWindow = 24 * time.Hour
)

// Scheduler is the part of the polling scheduler the API exposes.
type Scheduler interface {
	Status() poller.Status
	Reconcile(ctx context.Context) error
}

// Server handles HTTP requests for the device polling API.
//
// Routes:
//   - GET  /api/status: scheduler state of every device
//   - GET  /api/devices: configured devices
//   - GET  /api/devices/{id}: one device
//   - GET  /api/devices/{id}/history?from=&to=: history in a range
//   - GET  /api/devices/{id}/latest: most recent record
//   - GET  /api/devices/{id}/stats?from=&to=: aggregates over a range
//   - POST /api/reconcile: resync timers with the device table now
//   - GET  /api/sse: Server-Sent Events stream of poll results
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	scheduler  Scheduler
	devices    store.DeviceTable
	history    store.HistoryStore
	feed       *store.Feed[poller.Event]
	port       int
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates a new HTTP [Server].
//
// feed carries completed polls to SSE clients and may be nil, in which case
// the stream only sends the initial latest records.
//
// The server is not started until [Server.Start] is called.
func NewServer(sched Scheduler, devices store.DeviceTable, history store.HistoryStore, feed *store.Feed[poller.Event], port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		scheduler: sched,
		devices:   devices,
		history:   history,
		feed:      feed,
		port:      port,
		logger:    logger,
		now:       time.Now,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	api.HandleFunc("/sse", s.handleSSE).Methods(http.MethodGet)

	devices := api.PathPrefix("/devices").Subrouter()
	devices.HandleFunc("", s.handleListDevices).Methods(http.MethodGet)
	devices.HandleFunc("/{id:[0-9]+}", s.handleGetDevice).Methods(http.MethodGet)
	devices.HandleFunc("/{id:[0-9]+}/history", s.handleHistory).Methods(http.MethodGet)
	devices.HandleFunc("/{id:[0-9]+}/latest", s.handleLatest).Methods(http.MethodGet)
	devices.HandleFunc("/{id:[0-9]+}/stats", s.handleStats).Methods(http.MethodGet)

	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("http server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// handleStatus returns the scheduler snapshot as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleReconcile runs a reconciliation pass immediately.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	err := s.scheduler.Reconcile(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
	case errors.Is(err, poller.ErrNotRunning):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, driver.ErrUnknownDeviceType):
		// the pass completed; some devices could not be scheduled
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("reconcile failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	d, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	from, to, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	records, err := s.history.QueryRange(r.Context(), id, from, to)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if records == nil {
		records = []device.HistoryRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	rec, err := s.history.Latest(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no history for device %d", id))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	from, to, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	stats, err := s.history.Stats(r.Context(), id, from, to)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsJSON{
		DeviceID: id,
		From:     device.FormatTimestamp(from),
		To:       device.FormatTimestamp(to),
		Min:      stats.Min,
		Max:      stats.Max,
		Avg:      stats.Avg,
		Count:    stats.Count,
	})
}

type statsJSON struct {
	DeviceID int64   `json:"device_id"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Avg      float64 `json:"avg"`
	Count    int     `json:"count"`
}

// handleSSE streams poll results using Server-Sent Events.
//
// The stream opens with the latest record of every configured device, then
// forwards each completed poll. It ends when the client disconnects or the
// server shuts down.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	// test flush support before committing to SSE
	if err := rc.Flush(); err != nil {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	var updates <-chan poller.Event
	if s.feed != nil {
		updates = s.feed.Subscribe()
		defer s.feed.Unsubscribe(updates)
	}

	// track whether write deadlines are supported (log once if not)
	deadlineSupported := true

	// writeAndFlush sends an SSE message with write deadline protection.
	// Returns false if the write failed (client disconnected or slow).
	writeAndFlush := func(data []byte) bool {
		if deadlineSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				if errors.Is(err, http.ErrNotSupported) {
					deadlineSupported = false
					s.logger.Debug("SSE write deadline not supported by ResponseWriter")
				}
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil {
			return false
		}
		return true
	}

	// send initial state
	for _, ev := range s.initialEvents(r.Context()) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to marshal SSE event", "error", err)
			continue
		}
		if !writeAndFlush(data) {
			return
		}
	}

	// stream updates
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(newEventJSON(ev))
			if err != nil {
				s.logger.Error("failed to marshal SSE event", "error", err)
				continue
			}
			if !writeAndFlush(data) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// initialEvents builds one message per device that has history.
func (s *Server) initialEvents(ctx context.Context) []eventJSON {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		s.logger.Warn("SSE initial state unavailable", "error", err)
		return nil
	}
	out := make([]eventJSON, 0, len(devices))
	for _, d := range devices {
		rec, err := s.history.Latest(ctx, d.ID)
		if err != nil {
			s.logger.Warn("SSE latest record unavailable", "device_id", d.ID, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		out = append(out, recordEventJSON(d, *rec))
	}
	return out
}

// eventJSON is one SSE message.
type eventJSON struct {
	DeviceID   int64          `json:"device_id"`
	Name       string         `json:"name"`
	DeviceType string         `json:"device_type"`
	Success    bool           `json:"success"`
	Value      *float64       `json:"value"`
	JSONValue  map[string]any `json:"json_value,omitempty"`
	Unit       string         `json:"unit,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
	RecordID   *int64         `json:"record_id,omitempty"`
}

func newEventJSON(ev poller.Event) eventJSON {
	out := eventJSON{
		DeviceID:   ev.Device.ID,
		Name:       ev.Device.Name,
		DeviceType: ev.Device.DeviceType,
		Success:    ev.Result.Success,
		Value:      ev.Result.Value,
		JSONValue:  ev.Result.Payload,
		Unit:       ev.Device.Unit,
		Error:      ev.Result.Error,
		Timestamp:  device.FormatTimestamp(ev.Result.Timestamp),
	}
	if ev.Record != nil {
		id := ev.Record.ID
		out.RecordID = &id
		out.Timestamp = device.FormatTimestamp(ev.Record.Timestamp)
	}
	return out
}

func recordEventJSON(d device.Device, rec device.HistoryRecord) eventJSON {
	id := rec.ID
	errMsg := rec.Metadata["error"]
	return eventJSON{
		DeviceID:   d.ID,
		Name:       d.Name,
		DeviceType: d.DeviceType,
		Success:    errMsg == "",
		Value:      rec.Value,
		JSONValue:  rec.JSONValue,
		Unit:       d.Unit,
		Error:      errMsg,
		Timestamp:  device.FormatTimestamp(rec.Timestamp),
		RecordID:   &id,
	}
}

// deviceID parses the {id} route variable, writing a 400 on failure.
func (s *Server) deviceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return 0, false
	}
	return id, true
}

// timeRange parses the optional "from" and "to" query parameters. Both are
// UTC timestamps with a trailing Z. "to" defaults to now and "from" to 24
// hours before "to".
func (s *Server) timeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()

	to := s.now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := device.ParseTimestamp(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err))
			return time.Time{}, time.Time{}, false
		}
		to = t
	}

	from := to.Add(-defaultHistoryWindow)
	if v := q.Get("from"); v != "" {
		t, err := device.ParseTimestamp(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err))
			return time.Time{}, time.Time{}, false
		}
		from = t
	}

	if from.After(to) {
		s.writeError(w, http.StatusBadRequest, "from must not be after to")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// storeError maps a store failure to a response.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("store request failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "storage error")
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
