package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpalmerr/devicepoll/device"
)

// TypeHTTPJSON is the registry tag of the HTTP JSON sensor driver.
const TypeHTTPJSON = "http_json"

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits shared by every HTTP device
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// sharedHTTPClient has no global timeout; each request is bounded through
// its context.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	},
}

// HTTPSensor reads a device that serves its state as JSON over HTTP, such
// as an ESP sensor board or a smart plug.
//
// The address is the http(s) URL to fetch. Config keys:
//
//	field            string   dot path to the reading, e.g. "sensors.temp";
//	                          empty uses the whole document
//	method           string   GET (default) or POST
//	headers          map      extra request headers
//	timeout          duration request bound (default 5s)
//	unit             string   reported unit metadata
//	measurement_type string   reported measurement metadata (default "http")
//
// A numeric field becomes the value. Booleans and on/off style strings map
// to 1 and 0. An object becomes the payload.
type HTTPSensor struct {
	url             string
	method          string
	headers         map[string]string
	field           []string
	timeout         time.Duration
	unit            string
	measurementType string
	client          *http.Client
}

// NewHTTPSensor is the [Constructor] for [TypeHTTPJSON].
func NewHTTPSensor(spec Spec) (Driver, error) {
	u, err := url.Parse(strings.TrimSpace(spec.Address))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, configErr(TypeHTTPJSON, "address", "must be an http or https URL, got %q", spec.Address)
	}

	p := newParams(TypeHTTPJSON, spec.Config)
	h := &HTTPSensor{
		url:             u.String(),
		method:          p.OneOf("method", http.MethodGet, http.MethodGet, http.MethodPost),
		headers:         p.StringMap("headers"),
		timeout:         p.Duration("timeout", 5*time.Second),
		unit:            p.String("unit", ""),
		measurementType: p.String("measurement_type", "http"),
		client:          sharedHTTPClient,
	}
	if field := p.String("field", ""); field != "" {
		h.field = strings.Split(field, ".")
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	if h.timeout <= 0 {
		return nil, configErr(TypeHTTPJSON, "timeout", "must be positive")
	}
	return h, nil
}

// Poll implements [Driver].
func (h *HTTPSensor) Poll(ctx context.Context) device.PollResult {
	body, status, err := h.fetch(ctx, h.method)
	if err != nil {
		return device.Failure(err)
	}
	if status < 200 || status >= 300 {
		return device.Failuref("unexpected HTTP status %d", status)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return device.Failuref("invalid JSON response: %v", err)
	}

	current, ok := lookupJSONPath(doc, h.field)
	if !ok {
		return device.Failuref("field %q not found", strings.Join(h.field, "."))
	}

	meta := map[string]string{
		"unit":             h.unit,
		"measurement_type": h.measurementType,
		"http_status":      strconv.Itoa(status),
	}
	if obj, ok := current.(map[string]any); ok {
		return device.SuccessPayload(obj, meta)
	}
	value, ok := jsonNumber(current)
	if !ok {
		return device.Failuref("field %q is not numeric: %v", strings.Join(h.field, "."), current)
	}
	return device.Success(value, meta)
}

// TestConnection implements [Driver]. Any response below 500 counts as
// reachable.
func (h *HTTPSensor) TestConnection(ctx context.Context) bool {
	_, status, err := h.fetch(ctx, http.MethodGet)
	return err == nil && status < 500
}

// fetch performs one request bounded by the driver timeout. The body is
// limited to 1MB.
func (h *HTTPSensor) fetch(ctx context.Context, method string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, h.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// lookupJSONPath walks a decoded JSON document using dot notation parts.
// Numeric parts index into arrays.
func lookupJSONPath(data any, parts []string) (any, bool) {
	current := data
	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// jsonNumber converts a JSON scalar to a reading.
func jsonNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		return boolToFloat(n), true
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		switch s {
		case "on", "true", "open", "active", "up":
			return 1, true
		case "off", "false", "closed", "inactive", "down":
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
