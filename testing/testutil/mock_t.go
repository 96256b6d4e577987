package testutil

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// MockT is a testing.TB that records failures instead of reporting them,
// for testing helpers that call Fatal or Errorf. Fatal and FailNow stop the
// calling goroutine, so run helpers through RunWithMockT.
type MockT struct {
	testing.TB // embed to satisfy unexported methods

	mu       sync.Mutex
	failed   bool
	fatal    bool
	messages []string
}

// NewMockT creates a new MockT instance.
func NewMockT() *MockT {
	return &MockT{}
}

func (m *MockT) record(fatal bool, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
	m.fatal = m.fatal || fatal
	if msg != "" {
		m.messages = append(m.messages, msg)
	}
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) { m.record(false, fmt.Sprint(args...)) }

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) { m.record(false, fmt.Sprintf(format, args...)) }

// Fail implements testing.TB.
func (m *MockT) Fail() { m.record(false, "") }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.record(true, "")
	runtime.Goexit()
}

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.record(true, fmt.Sprint(args...))
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.record(true, fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {}

// Failed implements testing.TB.
func (m *MockT) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Fataled reports whether Fatal, Fatalf or FailNow was called.
func (m *MockT) Fataled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Messages returns every recorded failure message.
func (m *MockT) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// RunWithMockT runs fn on its own goroutine with a MockT and waits for it,
// including when fn stops early through Fatal.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}
