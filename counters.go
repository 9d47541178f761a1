package sl3

import "sync/atomic"

// Counters tracks the per-device streaming statistics the status
// surfaces in spec §6 report: URBs completed per direction, underruns,
// overruns, and discontinuities (stalls/overflows that were resubmitted
// rather than abandoned). Grounded on the teacher's Metrics — atomic
// fields, lock-free Snapshot — trimmed to what this spec's status
// surfaces actually call for; no latency histogram, since nothing here
// names a latency requirement.
type Counters struct {
	PlaybackCompleted atomic.Uint64
	CaptureCompleted  atomic.Uint64
	Underruns         atomic.Uint64
	Overruns          atomic.Uint64
	Discontinuities   atomic.Uint64
}

// CountersSnapshot is a point-in-time copy of Counters, plus the two
// fields the status surfaces report alongside them.
type CountersSnapshot struct {
	PlaybackCompleted   uint64
	CaptureCompleted    uint64
	Underruns           uint64
	Overruns            uint64
	Discontinuities     uint64
	LastFeedbackSamples int
	NominalRate         int
}

// Snapshot copies the current counters plus the caller-supplied feedback
// sample count and nominal rate (both owned outside Counters itself).
func (c *Counters) Snapshot(lastFeedbackSamples, nominalRate int) CountersSnapshot {
	return CountersSnapshot{
		PlaybackCompleted:   c.PlaybackCompleted.Load(),
		CaptureCompleted:    c.CaptureCompleted.Load(),
		Underruns:           c.Underruns.Load(),
		Overruns:            c.Overruns.Load(),
		Discontinuities:     c.Discontinuities.Load(),
		LastFeedbackSamples: lastFeedbackSamples,
		NominalRate:         nominalRate,
	}
}
