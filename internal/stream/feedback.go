package stream

import "sync"

// Feedback is the device-wide implicit-feedback value: the most recent
// capture URB's total sample count, published by the capture stream
// under its own lock and snapshotted by the playback stream at fill
// time. It stands in for the spec's feedback spinlock.
type Feedback struct {
	mu      sync.Mutex
	samples int
}

// Publish sets the most recently observed capture sample total.
func (f *Feedback) Publish(samples int) {
	f.mu.Lock()
	f.samples = samples
	f.mu.Unlock()
}

// Snapshot returns the last published sample total.
func (f *Feedback) Snapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples
}
