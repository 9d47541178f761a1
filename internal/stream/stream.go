// Package stream is the isochronous streaming engine: one Stream per
// direction, each pumping audio between a host PCM ring and a fixed
// pool of resubmitted isochronous URBs. It computes per-packet sample
// counts, distributes implicit feedback between directions, reports
// period boundaries, and runs the per-URB error/retry state machine —
// the per-tag state machine in the teacher's queue.Runner is the model
// for the per-URB retry counter and resubmit-on-completion loop here.
package stream

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/sl3/internal/logging"
	"github.com/ehrlich-b/sl3/internal/usbdev"
)

const (
	// IsoPackets is the fixed packet count per isochronous URB.
	IsoPackets = 8
	// MaxPacketSize is the largest payload an isochronous packet slot
	// can carry: 7 frames * 18 bytes.
	MaxPacketSize = 126
	// FrameSize is 6 channels * 24-bit (3-byte) samples.
	FrameSize = 18
	// MaxFrameSize is the feedback-emit clamp: MaxPacketSize / FrameSize.
	MaxFrameSize = MaxPacketSize / FrameSize
	// NumURBs is the fixed URB ring depth per direction.
	NumURBs = 16
)

type urbContext struct {
	index    int
	errCount int
	xfer     *usbdev.IsoRing
}

// Stream pumps one direction's audio between a host PCM ring and its
// fixed pool of isochronous URBs.
type Stream struct {
	dir       usbdev.Direction
	transport usbdev.Transport
	logger    *logging.Logger

	mu           sync.Mutex
	running      bool
	hwptr        uint32
	transferDone int
	periodSize   int
	accumulator  int
	rate         int
	ring         Ring

	urbs [NumURBs]urbContext

	feedback *Feedback

	// Peer is the other direction's Stream, wired after both are built.
	// Only playback uses it (to recursively start/stop capture as the
	// implicit feedback source); capture leaves it nil.
	Peer *Stream

	// userOpen reports whether a real host substream currently has this
	// stream open. nil is treated the same as a callback returning
	// false: no host substream holds this stream open, so a peer's Stop
	// may stop it. Only the capture stream's userOpen is consulted, by
	// playback's Stop.
	userOpen func() bool

	onPeriod       func()
	onXrun         func()
	onComplete     func()
	onDiscontinuity func()

	disconnected     func() bool
	markDisconnected func()
}

// New builds a Stream over urbs (exactly NumURBs isochronous rings
// already allocated via Transport.AllocIso) and starts one completion
// reaper goroutine per URB; those goroutines run for the Stream's
// lifetime, independent of Start/Stop.
func New(dir usbdev.Direction, transport usbdev.Transport, urbs [NumURBs]*usbdev.IsoRing, feedback *Feedback, disconnected func() bool, markDisconnected func()) *Stream {
	s := &Stream{
		dir:              dir,
		transport:        transport,
		logger:           logging.Default(),
		feedback:         feedback,
		disconnected:     disconnected,
		markDisconnected: markDisconnected,
	}
	for i, u := range urbs {
		s.urbs[i] = urbContext{index: i, xfer: u}
	}
	for i := range s.urbs {
		go s.runURB(i)
	}
	return s
}

// SetPeer wires the other direction's Stream for implicit feedback
// start/stop coupling.
func (s *Stream) SetPeer(peer *Stream) { s.Peer = peer }

// SetUserOpen installs the callback Stop consults before implicitly
// stopping this stream's peer; see the userOpen field doc.
func (s *Stream) SetUserOpen(fn func() bool) { s.userOpen = fn }

// SetPeriodCallback installs the period-elapsed notifier.
func (s *Stream) SetPeriodCallback(fn func()) { s.onPeriod = fn }

// SetXrunCallback installs the persistent-error notifier.
func (s *Stream) SetXrunCallback(fn func()) { s.onXrun = fn }

// SetCompletionCallback installs a notifier invoked once per successfully
// processed URB completion, for a caller-maintained completed-URB counter.
func (s *Stream) SetCompletionCallback(fn func()) { s.onComplete = fn }

// SetDiscontinuityCallback installs a notifier invoked once per stall or
// overflow completion (resubmitted rather than abandoned), for a
// caller-maintained discontinuity counter.
func (s *Stream) SetDiscontinuityCallback(fn func()) { s.onDiscontinuity = fn }

// AttachRing binds the host PCM ring and period size (in frames) this
// stream fills from or drains into. periodSize of 0 disables period
// reporting.
func (s *Stream) AttachRing(r Ring, periodSize int) {
	s.mu.Lock()
	s.ring = r
	s.periodSize = periodSize
	s.transferDone = 0
	s.mu.Unlock()
}

// DetachRing removes the host PCM ring; subsequent playback fills
// write zeros and capture intake discards samples.
func (s *Stream) DetachRing() {
	s.mu.Lock()
	s.ring = nil
	s.periodSize = 0
	s.mu.Unlock()
}

// SetRate updates the nominal sample rate and resets the 44.1kHz
// fractional accumulator, per the rate-change sequence.
func (s *Stream) SetRate(rate int) {
	s.mu.Lock()
	s.rate = rate
	s.accumulator = 0
	s.mu.Unlock()
}

// IsRunning reports whether the stream is currently submitting URBs.
func (s *Stream) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// HWPtr returns the current hardware pointer in frames, monotonic
// modulo 2^32.
func (s *Stream) HWPtr() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwptr
}

// Start is idempotent: refuses if the device is disconnected, is a
// no-op if already running, resets the playback accumulator, pre-fills
// every URB (playback only — capture URBs are filled by the device),
// recursively starts the peer stream when this is playback and capture
// isn't already running, then submits all NumURBs URBs in order. On
// any submit failure the stream is marked not running and the error is
// returned; URBs already allocated remain allocated.
func (s *Stream) Start() error {
	if s.disconnected() {
		return fmt.Errorf("stream: device disconnected")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.dir == usbdev.Playback {
		s.accumulator = 0
	}
	s.running = true
	s.mu.Unlock()

	if s.dir == usbdev.Playback && s.Peer != nil && !s.Peer.IsRunning() {
		if err := s.Peer.Start(); err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("stream: start implicit feedback source: %w", err)
		}
	}

	if s.dir == usbdev.Playback {
		for i := range s.urbs {
			s.fillPlayback(&s.urbs[i])
		}
	}

	for i := range s.urbs {
		if err := s.transport.Submit(s.urbs[i].xfer); err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("stream: submit urb %d: %w", i, err)
		}
	}
	return nil
}

// Stop is a no-op if not running. It marks the stream not running
// (so in-flight completions observed after this point don't mutate
// state or resubmit — see handleCompletion) and kills every URB, which
// drains in-flight transfers. If this is playback and capture is
// running with no real host substream open, capture is stopped too.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	for i := range s.urbs {
		s.transport.Kill(s.urbs[i].xfer)
	}

	if s.dir == usbdev.Playback && s.Peer != nil && s.Peer.IsRunning() {
		if s.Peer.userOpen == nil || !s.Peer.userOpen() {
			s.Peer.Stop()
		}
	}
	return nil
}

func (s *Stream) runURB(i int) {
	u := &s.urbs[i]
	for comp := range u.xfer.Completions() {
		s.handleCompletion(u, comp)
	}
}

// handleCompletion implements the per-URB error policy from spec §4.3.
func (s *Stream) handleCompletion(u *urbContext, comp usbdev.Completion) {
	switch comp.Status {
	case usbdev.StatusOK:
		if !s.IsRunning() {
			// Stopped since this completion was reaped: P7 requires no
			// further state mutation and no resubmit.
			return
		}
		u.errCount = 0
		if s.dir == usbdev.Playback {
			s.fillPlayback(u)
		} else {
			s.intakeCapture(u, comp)
		}
		if s.onComplete != nil {
			s.onComplete()
		}
		s.resubmit(u)
	case usbdev.StatusCancelled:
		// Normal shutdown path: return without resubmitting.
		return
	case usbdev.StatusDeviceGone:
		s.markDisconnected()
		return
	case usbdev.StatusStall:
		s.logger.Warn("urb stalled, clearing halt and resubmitting", "dir", s.dir, "index", u.index)
		if err := s.transport.ClearHalt(u.xfer.Endpoint); err != nil {
			s.logger.Warn("clear halt failed", "dir", s.dir, "index", u.index, "err", err)
		}
		if s.onDiscontinuity != nil {
			s.onDiscontinuity()
		}
		s.resubmit(u)
	case usbdev.StatusOverflow:
		s.logger.Warn("urb overflow, resubmitting", "dir", s.dir, "index", u.index)
		if s.onDiscontinuity != nil {
			s.onDiscontinuity()
		}
		s.resubmit(u)
	default:
		u.errCount++
		if u.errCount >= 3 {
			s.logger.Warn("urb persistent error, abandoning", "dir", s.dir, "index", u.index, "err", comp.Err)
			if s.onXrun != nil {
				s.onXrun()
			}
			return
		}
		s.resubmit(u)
	}
}

func (s *Stream) resubmit(u *urbContext) {
	if !s.IsRunning() {
		return
	}
	if err := s.transport.Submit(u.xfer); err != nil {
		s.logger.Warn("urb resubmit failed", "dir", s.dir, "index", u.index, "err", err)
	}
}
