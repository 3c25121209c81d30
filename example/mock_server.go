package main

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// mockBoard tracks the drifting readings of one sensor board.
type mockBoard struct {
	temp     float64
	humidity float64
	relayOn  bool
	toggleAt time.Time
}

// StartMockSensorServer runs mock sensor boards that serve their readings
// as JSON at /sensors?board=<name>. Readings drift on every request and the
// relay toggles every 20-60 seconds.
// Call this in a goroutine before starting the Service.
func StartMockSensorServer(addr string) {
	var (
		boards = make(map[string]*mockBoard)
		mu     sync.Mutex
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/sensors", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("board")
		if name == "" {
			http.Error(w, "board is required", http.StatusBadRequest)
			return
		}

		// simulate small latency variance
		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

		mu.Lock()
		b, exists := boards[name]
		if !exists {
			b = &mockBoard{
				temp:     18 + rand.Float64()*6,
				humidity: 40 + rand.Float64()*20,
				toggleAt: time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second),
			}
			boards[name] = b
		}

		b.temp += rand.Float64() - 0.5
		b.humidity = math.Min(100, math.Max(0, b.humidity+2*rand.Float64()-1))
		if time.Now().After(b.toggleAt) {
			b.relayOn = !b.relayOn
			b.toggleAt = time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)
			slog.Info("relay toggled", "board", name, "on", b.relayOn)
		}

		relay := "off"
		if b.relayOn {
			relay = "on"
		}
		resp := map[string]any{
			"board": name,
			"sensors": map[string]any{
				"temp":     math.Round(b.temp*10) / 10,
				"humidity": math.Round(b.humidity*10) / 10,
			},
			"relay": relay,
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}
