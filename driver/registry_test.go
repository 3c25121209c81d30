package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jpalmerr/devicepoll/device"
)

type stubDriver struct{ tag string }

func (s stubDriver) Poll(context.Context) device.PollResult {
	return device.Success(1, map[string]string{"tag": s.tag})
}

func (s stubDriver) TestConnection(context.Context) bool { return true }

func stubCtor(tag string) Constructor {
	return func(Spec) (Driver, error) { return stubDriver{tag: tag}, nil }
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("unknown_type")
	if !errors.Is(err, ErrUnknownDeviceType) {
		t.Fatalf("Resolve() error = %v, want ErrUnknownDeviceType", err)
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("probe", stubCtor("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := r.Register("probe", stubCtor("b"))
	if !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("Register() second error = %v, want ErrDuplicateType", err)
	}

	// original constructor must still be in place
	d, err := r.New("probe", Spec{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := d.(stubDriver).tag; got != "a" {
		t.Errorf("driver tag = %q, want %q", got, "a")
	}
}

func TestRegistry_Override(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("probe", stubCtor("a"))
	r.Override("probe", stubCtor("b"))

	d, err := r.New("probe", Spec{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := d.(stubDriver).tag; got != "b" {
		t.Errorf("driver tag = %q, want %q", got, "b")
	}
}

func TestRegistry_RegisterRejectsEmpty(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", stubCtor("a")); err == nil {
		t.Error("Register(\"\") error = nil, want error")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("Register(nil ctor) error = nil, want error")
	}
}

func TestNewBuiltinRegistry_Types(t *testing.T) {
	r := NewBuiltinRegistry()
	got := r.Types()
	want := []string{TypeHost, TypeHTTPJSON, TypeModbusProbe, TypeModbusRelay, TypeSimulated}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestRegistry_ConcurrentAccess registers and resolves from many goroutines.
// Run with: go test -race ./driver/...
func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewBuiltinRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("plugin_%d", n), stubCtor("p"))
		}(i)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(TypeSimulated); err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
			_ = r.Types()
		}()
	}
	wg.Wait()

	if got := len(r.Types()); got != 25 {
		t.Errorf("len(Types()) = %d, want 25", got)
	}
}

func TestConfigError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", configErr("x", "register", "is required"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("errors.Is(err, ErrInvalidConfig) = false, want true")
	}
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("errors.As(*ConfigError) = false")
	}
	if ce.Field != "register" {
		t.Errorf("Field = %q, want register", ce.Field)
	}
}
