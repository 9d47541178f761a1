// Package faketransport implements usbdev.Transport entirely in memory,
// so the HID channel, streaming engine, and device lifecycle can be
// exercised without real hardware. It tracks every call for test
// assertions and lets a test script exactly what Submit delivers,
// standing in for the teacher's MockBackend call-tracking plus
// NewStubRunner/stubLoop completion simulation.
package faketransport

import (
	"sync"

	"github.com/ehrlich-b/sl3/internal/usbdev"
)

// Transport is a hardware-free usbdev.Transport. The zero value is not
// usable; construct with New.
type Transport struct {
	mu sync.Mutex

	claimed map[int]int // iface -> alt
	disc    chan struct{}
	discDo  sync.Once

	// ClearHaltLog records every endpoint passed to ClearHalt, in order,
	// so stall-recovery tests can assert the halt was cleared before the
	// resubmit that follows it.
	ClearHaltLog []uint8

	// ClearHaltErr, if set, is returned by every ClearHalt call.
	ClearHaltErr error

	// scripts holds, per endpoint, the queue of completions the next
	// Submit on that endpoint will deliver. When empty, Submit delivers
	// a synthesized StatusOK completion for isochronous transfers
	// (capture ones report every packet full) and for interrupt OUT
	// transfers; an interrupt IN transfer gets no completion at all.
	scripts map[uint8][]usbdev.Completion

	claimCalls     int
	submitCalls    int
	killCalls      int
	freeCalls      int
	clearHaltCalls int
}

// New returns a ready Transport.
func New() *Transport {
	return &Transport{
		claimed: make(map[int]int),
		disc:    make(chan struct{}),
		scripts: make(map[uint8][]usbdev.Completion),
	}
}

// Script queues a completion to be delivered the next time Submit is
// called for a transfer on endpoint. Completions are delivered FIFO per
// endpoint.
func (t *Transport) Script(endpoint uint8, c usbdev.Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[endpoint] = append(t.scripts[endpoint], c)
}

// SimulateDisconnect closes the Disconnected channel, as a real
// transport would after observing a device-gone completion status.
func (t *Transport) SimulateDisconnect() {
	t.discDo.Do(func() { close(t.disc) })
}

func (t *Transport) Claim(iface int, alt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimCalls++
	t.claimed[iface] = alt
	return nil
}

// SetAlt records the new alt setting for an already-claimed interface,
// mirroring usbfsTransport.SetAlt without needing a real device.
func (t *Transport) SetAlt(iface int, alt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed[iface] = alt
	return nil
}

func (t *Transport) Release(iface int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, iface)
	return nil
}

func (t *Transport) AllocIso(dir usbdev.Direction, endpoint uint8, packets int, packetSize int) (*usbdev.IsoRing, error) {
	return usbdev.NewIsoRing(dir, endpoint, packets, packetSize), nil
}

func (t *Transport) AllocInterrupt(dir usbdev.IODir, endpoint uint8, bufSize int) (*usbdev.InterruptXfer, error) {
	return usbdev.NewInterruptXfer(dir, endpoint, bufSize), nil
}

func (t *Transport) Free(x usbdev.Transfer) error {
	t.mu.Lock()
	t.freeCalls++
	t.mu.Unlock()
	switch v := x.(type) {
	case *usbdev.IsoRing:
		v.Deliver(usbdev.Completion{Status: usbdev.StatusCancelled})
	case *usbdev.InterruptXfer:
		v.Deliver(usbdev.Completion{Status: usbdev.StatusCancelled})
	}
	return nil
}

func (t *Transport) Submit(x usbdev.Transfer) error {
	t.mu.Lock()
	t.submitCalls++
	var endpoint uint8
	switch v := x.(type) {
	case *usbdev.IsoRing:
		endpoint = v.Endpoint
	case *usbdev.InterruptXfer:
		endpoint = v.Endpoint
	}
	queue := t.scripts[endpoint]
	var next usbdev.Completion
	hasScripted := len(queue) > 0
	if hasScripted {
		next = queue[0]
		t.scripts[endpoint] = queue[1:]
	}
	t.mu.Unlock()

	switch v := x.(type) {
	case *usbdev.IsoRing:
		if !hasScripted {
			next = usbdev.Completion{Status: usbdev.StatusOK}
			if v.Dir == usbdev.Capture {
				lens := make([]int, v.Packets)
				for i := range lens {
					lens[i] = v.PacketSize
				}
				next.PacketLengths = lens
				next.ActualLength = v.Packets * v.PacketSize
			}
		}
		v.Deliver(next)
	case *usbdev.InterruptXfer:
		if !hasScripted {
			// An OUT command transfer is acknowledged by the device
			// immediately, so echo it. An IN listener only completes
			// when the device actually has a report to deliver — with
			// nothing scripted, leave it pending rather than echoing,
			// or a persistent reader that resubmits on every completion
			// (the HID demux loop) would spin forever.
			if v.Dir == usbdev.Out {
				v.Deliver(usbdev.Completion{Status: usbdev.StatusOK, ActualLength: len(v.Buffer)})
			}
			return nil
		}
		v.Deliver(next)
	}
	return nil
}

func (t *Transport) Kill(x usbdev.Transfer) error {
	t.mu.Lock()
	t.killCalls++
	t.mu.Unlock()
	switch v := x.(type) {
	case *usbdev.IsoRing:
		v.Deliver(usbdev.Completion{Status: usbdev.StatusCancelled})
	case *usbdev.InterruptXfer:
		v.Deliver(usbdev.Completion{Status: usbdev.StatusCancelled})
	}
	return nil
}

// ClearHalt records endpoint and returns ClearHaltErr, standing in for
// a real USBDEVFS_CLEAR_HALT ioctl.
func (t *Transport) ClearHalt(endpoint uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearHaltCalls++
	t.ClearHaltLog = append(t.ClearHaltLog, endpoint)
	return t.ClearHaltErr
}

func (t *Transport) Disconnected() <-chan struct{} {
	return t.disc
}

// Calls reports submit/kill/free/claim invocation counts for assertions
// that only care about call volume, not content.
func (t *Transport) Calls() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]int{
		"claim":     t.claimCalls,
		"submit":    t.submitCalls,
		"kill":      t.killCalls,
		"free":      t.freeCalls,
		"clearhalt": t.clearHaltCalls,
	}
}

var _ usbdev.Transport = (*Transport)(nil)
