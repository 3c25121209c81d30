package driver

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// params reads typed values out of a device config map.
//
// Values arrive from YAML (int, float64, string), JSON (float64) or the
// database (any of those after a JSON round trip), so numeric accessors
// accept every numeric kind and integral floats. The first failure is kept
// in err; later reads are no-ops.
type params struct {
	deviceType string
	m          map[string]any
	err        *ConfigError
}

func newParams(deviceType string, m map[string]any) *params {
	return &params{deviceType: deviceType, m: m}
}

func (p *params) fail(field, format string, args ...any) {
	if p.err == nil {
		p.err = configErr(p.deviceType, field, format, args...)
	}
}

// Err returns the first validation failure, or nil.
func (p *params) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

func (p *params) has(key string) bool {
	v, ok := p.m[key]
	return ok && v != nil
}

func (p *params) String(key, def string) string {
	if !p.has(key) {
		return def
	}
	s, ok := p.m[key].(string)
	if !ok {
		p.fail(key, "must be a string, got %T", p.m[key])
		return def
	}
	return strings.TrimSpace(s)
}

func (p *params) Float(key string, def float64) float64 {
	if !p.has(key) {
		return def
	}
	f, ok := toFloat(p.m[key])
	if !ok {
		p.fail(key, "must be a number, got %T", p.m[key])
		return def
	}
	return f
}

func (p *params) Int(key string, def int) int {
	if !p.has(key) {
		return def
	}
	f, ok := toFloat(p.m[key])
	if !ok || f != math.Trunc(f) {
		p.fail(key, "must be an integer, got %v", p.m[key])
		return def
	}
	return int(f)
}

// IntRange reads an integer and checks lo <= v <= hi.
func (p *params) IntRange(key string, def, lo, hi int) int {
	v := p.Int(key, def)
	if v < lo || v > hi {
		p.fail(key, "must be between %d and %d, got %d", lo, hi, v)
	}
	return v
}

// RequiredInt is IntRange without a default.
func (p *params) RequiredInt(key string, lo, hi int) int {
	if !p.has(key) {
		p.fail(key, "is required")
		return 0
	}
	return p.IntRange(key, 0, lo, hi)
}

func (p *params) Bool(key string, def bool) bool {
	if !p.has(key) {
		return def
	}
	b, ok := p.m[key].(bool)
	if !ok {
		p.fail(key, "must be a boolean, got %T", p.m[key])
		return def
	}
	return b
}

// Duration accepts a Go duration string ("500ms") or a number of seconds.
func (p *params) Duration(key string, def time.Duration) time.Duration {
	if !p.has(key) {
		return def
	}
	switch v := p.m[key].(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			p.fail(key, "invalid duration %q", v)
			return def
		}
		if d < 0 {
			p.fail(key, "must not be negative, got %s", d)
			return def
		}
		return d
	default:
		f, ok := toFloat(v)
		if !ok || f < 0 {
			p.fail(key, "must be a duration string or non-negative seconds, got %v", v)
			return def
		}
		return time.Duration(f * float64(time.Second))
	}
}

// OneOf reads a string and checks it against allowed, case-insensitively.
// The canonical (allowed) spelling is returned.
func (p *params) OneOf(key, def string, allowed ...string) string {
	v := p.String(key, def)
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a
		}
	}
	p.fail(key, "must be one of %s, got %q", strings.Join(allowed, ", "), v)
	return def
}

// List reads a list of maps, as produced by YAML or JSON decoding.
func (p *params) List(key string) []map[string]any {
	if !p.has(key) {
		return nil
	}
	items, ok := p.m[key].([]any)
	if !ok {
		p.fail(key, "must be a list, got %T", p.m[key])
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			p.fail(fmt.Sprintf("%s[%d]", key, i), "must be a mapping, got %T", item)
			return nil
		}
		out = append(out, m)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// StringMap reads a mapping of string values, such as HTTP headers.
func (p *params) StringMap(key string) map[string]string {
	if !p.has(key) {
		return nil
	}
	raw, ok := p.m[key].(map[string]any)
	if !ok {
		if sm, ok := p.m[key].(map[string]string); ok {
			return sm
		}
		p.fail(key, "must be a mapping, got %T", p.m[key])
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			p.fail(key+"."+k, "must be a string, got %T", v)
			return nil
		}
		out[k] = s
	}
	return out
}
