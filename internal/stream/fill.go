package stream

import "github.com/ehrlich-b/sl3/internal/usbdev"

// nextSamples implements the 44.1kHz 5/6 packet-size pattern via a
// 4100/8000 accumulator; at 48kHz every packet is a constant 6 frames.
// Must be called with s.mu held.
func (s *Stream) nextSamples() int {
	if s.rate == 48000 {
		return 6
	}
	samples := 5
	s.accumulator += 4100
	if s.accumulator >= 8000 {
		s.accumulator -= 8000
		samples = 6
	}
	return samples
}

// fillPlayback fills one playback URB: a feedback-driven emit while
// capture is running and has unconsumed feedback, falling back to the
// accumulator pattern otherwise, per spec §4.3.
func (s *Stream) fillPlayback(u *urbContext) {
	captureRunning := s.Peer != nil && s.Peer.IsRunning()
	var feedbackTotal int
	if captureRunning {
		feedbackTotal = s.feedback.Snapshot()
	}

	s.mu.Lock()
	for i := 0; i < IsoPackets; i++ {
		var samples int
		if captureRunning && feedbackTotal > 0 {
			remaining := IsoPackets - i
			samples = ceilDiv(feedbackTotal, remaining)
			if samples > MaxFrameSize {
				samples = MaxFrameSize
			}
			feedbackTotal -= samples
		} else {
			samples = s.nextSamples()
		}

		n := samples * FrameSize
		off := i * MaxPacketSize
		dst := u.xfer.Buffer[off : off+n]
		if s.ring != nil {
			s.ring.ReadFrames(dst, s.hwptr, samples)
		} else {
			for j := range dst {
				dst[j] = 0
			}
		}
		u.xfer.PacketLens[i] = n
		s.hwptr += uint32(samples)
		s.transferDone += samples
	}
	periods := s.drainPeriods()
	s.mu.Unlock()

	s.emitPeriods(periods)
}

// intakeCapture drains one completed capture URB: each packet's
// device-reported actual length is truncated to a whole frame count
// and copied into the host ring, then the URB's total sample count is
// published as the next playback fill's feedback snapshot.
func (s *Stream) intakeCapture(u *urbContext, comp usbdev.Completion) {
	s.mu.Lock()
	total := 0
	for i := 0; i < IsoPackets; i++ {
		actual := 0
		if i < len(comp.PacketLengths) {
			actual = comp.PacketLengths[i]
		}
		samples := actual / FrameSize
		n := samples * FrameSize
		if n > 0 {
			off := i * MaxPacketSize
			src := u.xfer.Buffer[off : off+n]
			if s.ring != nil {
				s.ring.WriteFrames(src, s.hwptr, samples)
			}
		}
		s.hwptr += uint32(samples)
		s.transferDone += samples
		total += samples
	}
	periods := s.drainPeriods()
	s.mu.Unlock()

	s.feedback.Publish(total)
	s.emitPeriods(periods)
}

// drainPeriods must be called with s.mu held; it subtracts periodSize
// from transferDone for every period boundary crossed and returns the
// count to emit once the lock is released.
func (s *Stream) drainPeriods() int {
	if s.periodSize <= 0 {
		return 0
	}
	n := 0
	for s.transferDone >= s.periodSize {
		s.transferDone -= s.periodSize
		n++
	}
	return n
}

func (s *Stream) emitPeriods(n int) {
	if s.onPeriod == nil {
		return
	}
	for i := 0; i < n; i++ {
		s.onPeriod()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
