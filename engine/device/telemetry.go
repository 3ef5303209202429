package device

import (
	"sync"
)

// Telemetry is the pending result of an asynchronous readback.
//
// It is informational only: results describe a frame that has already been submitted and
// must never gate decisions in the frame being recorded. There is deliberately no blocking
// accessor; Poll returns immediately whether or not the data has arrived.
type Telemetry struct {
	mu     sync.Mutex
	data   []byte
	ready  bool
	failed bool
}

// NewTelemetry creates a pending readback and the function a device calls to resolve it.
// The resolver copies data; passing nil marks the readback failed. Only the first call counts.
//
// Returns:
//   - *Telemetry: the pending readback handed to the caller
//   - func([]byte): the resolver kept by the device
func NewTelemetry() (*Telemetry, func([]byte)) {
	t := &Telemetry{}
	return t, t.resolve
}

func (t *Telemetry) resolve(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready || t.failed {
		return
	}
	if data == nil {
		t.failed = true
		return
	}
	t.data = append([]byte(nil), data...)
	t.ready = true
}

// Poll returns the readback bytes if they have arrived.
//
// Returns:
//   - []byte: the bytes read, nil when not ready
//   - bool: true once the data is available
func (t *Telemetry) Poll() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data, t.ready
}

// Failed reports whether the device gave up on the readback.
func (t *Telemetry) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}
