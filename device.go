// Package sl3 is the host-side driver for the Rane SL3 USB audio
// interface: a 6-channel 24-bit PCM device over raw isochronous
// endpoints, configured through a vendor HID report channel. Device is
// the root object; Probe brings one up over a usbdev.Transport and
// Disconnect tears it down, mirroring the teacher's CreateAndServe/
// StopAndDelete lifecycle but built around USB claim/release instead of
// ublk's ADD_DEV/DEL_DEV control plane.
package sl3

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/sl3/internal/hid"
	"github.com/ehrlich-b/sl3/internal/hidframe"
	"github.com/ehrlich-b/sl3/internal/logging"
	"github.com/ehrlich-b/sl3/internal/stream"
	"github.com/ehrlich-b/sl3/internal/usbdev"
)

const (
	ifaceAudioControl = 0
	ifaceAudioOut     = 1
	ifaceAudioIn      = 2
	ifaceHID          = 3
	streamingAlt      = 1

	epPlaybackOut = 0x06
	epCaptureIn   = 0x82

	// DefaultSampleRate is the spec's documented default module parameter.
	DefaultSampleRate = 48000

	rateChangeSettleDelay = 100 * time.Millisecond
)

var pairIDs = [3]byte{hidframe.PairDeckA, hidframe.PairDeckB, hidframe.PairDeckC}

// Controller is the seam a host control-plane adapter (out of scope,
// external) or an in-repo consumer (cmd/sl3-statusd, cmd/sl3-monitor)
// programs against for the mixer controls and status surfaces named in
// spec §6. Device implements it directly.
type Controller interface {
	SampleRate() int
	SetSampleRate(rate int) error
	Routing() [3]RoutingMode
	SetRouting(pair int, mode RoutingMode) (changed bool, err error)
	OverloadStatus() [6]bool
	PhonoStatus() [3]bool
	USBPortStatus() [4]byte
	Counters() CountersSnapshot
	IsDisconnected() bool
}

// Device is the root object: one USB transport, two PCM streams, the
// HID control channel, the current configuration, and the status
// caches the HID IN dispatch keeps warm.
type Device struct {
	transport usbdev.Transport
	logger    *logging.Logger

	hid      *hid.Channel
	feedback *stream.Feedback
	Playback *stream.Stream
	Capture  *stream.Stream

	rateMu      sync.Mutex
	currentRate int

	routingMu sync.Mutex
	routing   [3]RoutingMode

	cacheMu       sync.Mutex
	overloadCache [6]bool
	phonoCache    [3]bool
	usbPortCache  [4]byte

	disconnected atomic.Bool
	counters     Counters

	closeMu  sync.Mutex
	openRefs int
	released bool
}

var _ Controller = (*Device)(nil)
var _ hid.Notifier = (*Device)(nil)

// allocIsoRing allocates NumURBs isochronous rings on endpoint, rolling
// back partial allocation on failure — mirrors the transport-level
// rollback spec §4.1 requires.
func allocIsoRing(transport usbdev.Transport, dir usbdev.Direction, endpoint uint8) ([stream.NumURBs]*usbdev.IsoRing, error) {
	var urbs [stream.NumURBs]*usbdev.IsoRing
	for i := range urbs {
		u, err := transport.AllocIso(dir, endpoint, stream.IsoPackets, stream.MaxPacketSize)
		if err != nil {
			for j := 0; j < i; j++ {
				transport.Free(urbs[j])
			}
			return urbs, err
		}
		urbs[i] = u
	}
	return urbs, nil
}

func freeIsoRing(transport usbdev.Transport, urbs [stream.NumURBs]*usbdev.IsoRing) {
	for _, u := range urbs {
		if u != nil {
			transport.Free(u)
		}
	}
}

// Probe brings up one SL3 device over transport: claims the audio-out,
// audio-in, and HID interfaces (alt-setting 1 on the two audio
// interfaces), unwinding strictly in reverse on any failure; brings up
// the HID channel and runs its bring-up handshake; allocates both
// isochronous URB rings; and wires the playback stream's implicit
// feedback source to capture. Handshake failures are logged as warnings,
// not probe failures, matching spec §4.2/§7.
func Probe(transport usbdev.Transport, cfg Config) (d *Device, err error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	label := cfg.Label
	if label == "" {
		label = "sl3"
	}

	d = &Device{
		transport:   transport,
		logger:      logging.Default().WithTag(label),
		feedback:    &stream.Feedback{},
		routing:     [3]RoutingMode{RoutingUSB, RoutingUSB, RoutingUSB},
		currentRate: cfg.DefaultSampleRate,
		openRefs:    1,
	}

	var claimed []int
	unwind := func() {
		for i := len(claimed) - 1; i >= 0; i-- {
			d.transport.Release(claimed[i])
		}
	}

	if err := transport.Claim(ifaceAudioOut, streamingAlt); err != nil {
		return nil, WrapError("Probe", err)
	}
	claimed = append(claimed, ifaceAudioOut)

	if err := transport.Claim(ifaceAudioIn, streamingAlt); err != nil {
		unwind()
		return nil, WrapError("Probe", err)
	}
	claimed = append(claimed, ifaceAudioIn)

	if err := transport.Claim(ifaceHID, 0); err != nil {
		unwind()
		return nil, WrapError("Probe", err)
	}
	claimed = append(claimed, ifaceHID)

	d.hid = hid.NewChannel(transport, d, d.IsDisconnected, d.markDisconnected)
	if err := d.hid.Start(); err != nil {
		unwind()
		return nil, WrapError("Probe", err)
	}

	phono, warnings := d.hid.Handshake(cfg.DefaultSampleRate)
	for _, w := range warnings {
		d.logger.Warn("probe handshake warning", "err", w)
	}
	var phonoBools [3]bool
	for i, b := range phono {
		phonoBools[i] = b != 0
	}
	d.cacheMu.Lock()
	d.phonoCache = phonoBools
	d.cacheMu.Unlock()

	playbackURBs, err := allocIsoRing(transport, usbdev.Playback, epPlaybackOut)
	if err != nil {
		d.hid.Stop()
		unwind()
		return nil, WrapError("Probe", err)
	}
	captureURBs, err := allocIsoRing(transport, usbdev.Capture, epCaptureIn)
	if err != nil {
		freeIsoRing(transport, playbackURBs)
		d.hid.Stop()
		unwind()
		return nil, WrapError("Probe", err)
	}

	d.Capture = stream.New(usbdev.Capture, transport, captureURBs, d.feedback, d.IsDisconnected, d.markDisconnected)
	d.Playback = stream.New(usbdev.Playback, transport, playbackURBs, d.feedback, d.IsDisconnected, d.markDisconnected)
	d.Playback.SetPeer(d.Capture)
	// No host substream is tracked at this seam (out of scope, see
	// spec §1); capture's implicit userOpen is always "not a real user
	// substream", so playback's Stop always stops the feedback source.
	d.Capture.SetUserOpen(func() bool { return false })
	d.Playback.SetRate(cfg.DefaultSampleRate)
	d.Capture.SetRate(cfg.DefaultSampleRate)

	d.Playback.SetXrunCallback(func() { d.counters.Underruns.Add(1) })
	d.Capture.SetXrunCallback(func() { d.counters.Overruns.Add(1) })
	d.Playback.SetCompletionCallback(func() { d.counters.PlaybackCompleted.Add(1) })
	d.Capture.SetCompletionCallback(func() { d.counters.CaptureCompleted.Add(1) })
	d.Playback.SetDiscontinuityCallback(func() { d.counters.Discontinuities.Add(1) })
	d.Capture.SetDiscontinuityCallback(func() { d.counters.Discontinuities.Add(1) })

	d.logger.Info("device probed", "rate", d.currentRate)
	return d, nil
}

// IsDisconnected reports whether the device has been marked gone.
func (d *Device) IsDisconnected() bool { return d.disconnected.Load() }

// markDisconnected is the shared teardown trigger wired into the HID
// channel and both streams: whichever completion path first observes a
// device-gone status calls this, and only the first caller runs the
// teardown.
func (d *Device) markDisconnected() {
	if d.disconnected.CompareAndSwap(false, true) {
		go d.teardown()
	}
}

// Disconnect is the user/control-plane-initiated equivalent of
// markDisconnected: same one-shot teardown, run synchronously so a
// caller can rely on it having completed when Disconnect returns.
func (d *Device) Disconnect() {
	if d.disconnected.CompareAndSwap(false, true) {
		d.teardown()
	}
}

// teardown implements spec §4.4 Disconnect: stop both streams, tear down
// HID, reset both audio interfaces to alt 0, release all claimed
// interfaces. The isochronous URB rings are stopped but not freed. The device
// struct itself is only released once the last open reference drops
// (Close) — see releaseIfLastRef.
func (d *Device) teardown() {
	d.Playback.Stop()
	d.Capture.Stop()
	d.hid.Stop()
	if err := d.transport.SetAlt(ifaceAudioOut, 0); err != nil {
		d.logger.Warn("reset alt setting failed", "iface", ifaceAudioOut, "err", err)
	}
	if err := d.transport.SetAlt(ifaceAudioIn, 0); err != nil {
		d.logger.Warn("reset alt setting failed", "iface", ifaceAudioIn, "err", err)
	}
	d.transport.Release(ifaceAudioOut)
	d.transport.Release(ifaceAudioIn)
	d.transport.Release(ifaceHID)
	d.logger.Info("device torn down")
	d.releaseIfLastRef()
}

// Open registers one more reference against the device (one per opened
// PCM substream or control handle), mirroring the card's open-file
// count in spec §4.4.
func (d *Device) Open() {
	d.closeMu.Lock()
	d.openRefs++
	d.closeMu.Unlock()
}

// Close drops one reference. Once the last reference is closed after a
// disconnect, the device is released — the Go analogue of the card's
// private-free callback (see SPEC_FULL.md, REDESIGN FLAGS).
func (d *Device) Close() {
	d.closeMu.Lock()
	d.openRefs--
	d.closeMu.Unlock()
	d.releaseIfLastRef()
}

func (d *Device) releaseIfLastRef() {
	d.closeMu.Lock()
	shouldRelease := d.openRefs <= 0 && d.disconnected.Load() && !d.released
	if shouldRelease {
		d.released = true
	}
	d.closeMu.Unlock()
	if shouldRelease {
		d.logger.Info("device released")
	}
}

// SampleRate returns the current nominal rate.
func (d *Device) SampleRate() int {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()
	return d.currentRate
}

// SetSampleRate runs the rate-change sequence from spec §4.4: a no-op if
// the rate is already current; refused with a busy error if either
// stream is running (P6 — current_rate and the accumulators are left
// untouched on that path); otherwise sends the HID command, sleeps the
// device's stabilization delay, resets both streams' accumulators, and
// updates current_rate.
func (d *Device) SetSampleRate(rate int) error {
	if rate != 44100 && rate != 48000 {
		return NewDeviceError("SetSampleRate", "sl3", ErrCodeInvalidArgument, fmt.Sprintf("rate %d not supported", rate))
	}
	if d.IsDisconnected() {
		return NewDeviceError("SetSampleRate", "sl3", ErrCodeDeviceGone, "device disconnected")
	}

	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	if rate == d.currentRate {
		return nil
	}
	if d.Playback.IsRunning() || d.Capture.IsRunning() {
		return NewDeviceError("SetSampleRate", "sl3", ErrCodeBusy, "rate change refused while a stream is running")
	}
	if err := d.hid.SetSampleRate(rate); err != nil {
		return WrapError("SetSampleRate", err)
	}
	time.Sleep(rateChangeSettleDelay)
	d.Playback.SetRate(rate)
	d.Capture.SetRate(rate)
	d.currentRate = rate
	return nil
}

// Routing returns the current per-pair routing cache.
func (d *Device) Routing() [3]RoutingMode {
	d.routingMu.Lock()
	defer d.routingMu.Unlock()
	return d.routing
}

// SetRouting runs the routing-change sequence from spec §4.4: rejects
// an out-of-range pair or mode, no-ops (returns changed=false) if the
// cache already matches, otherwise fires the HID Set-routing command
// (fire-and-forget) and updates the cache.
func (d *Device) SetRouting(pair int, mode RoutingMode) (changed bool, err error) {
	if pair < 0 || pair > 2 {
		return false, NewError("SetRouting", ErrCodeInvalidArgument, "pair index out of range")
	}
	if mode != RoutingAnalog && mode != RoutingUSB {
		return false, NewError("SetRouting", ErrCodeInvalidArgument, "routing mode out of range")
	}
	if d.IsDisconnected() {
		return false, NewDeviceError("SetRouting", "sl3", ErrCodeDeviceGone, "device disconnected")
	}

	d.routingMu.Lock()
	defer d.routingMu.Unlock()

	if d.routing[pair] == mode {
		return false, nil
	}
	if err := d.hid.SetRouting(pairIDs[pair], byte(mode)); err != nil {
		return false, WrapError("SetRouting", err)
	}
	d.routing[pair] = mode
	return true, nil
}

// NegotiateRate implements the PCM rate-constraint rule from spec §4.4:
// opening dir while the other direction already has a substream running
// pins the new open to that direction's current rate; otherwise the
// requested rate is honored if it's one of the two supported rates.
func (d *Device) NegotiateRate(dir Direction, requested int) (int, error) {
	other := d.Capture
	if dir == Capture {
		other = d.Playback
	}
	if other.IsRunning() {
		return d.SampleRate(), nil
	}
	if requested != 44100 && requested != 48000 {
		return 0, NewError("NegotiateRate", ErrCodeInvalidArgument, fmt.Sprintf("rate %d not supported", requested))
	}
	return requested, nil
}

// OverloadStatus returns the per-channel overload cache.
func (d *Device) OverloadStatus() [6]bool {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.overloadCache
}

// PhonoStatus returns the per-pair phono/line cache.
func (d *Device) PhonoStatus() [3]bool {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.phonoCache
}

// USBPortStatus returns the opaque USB-port status bytes (spec open
// question (a): semantics unknown, exposed raw).
func (d *Device) USBPortStatus() [4]byte {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.usbPortCache
}

// Counters returns a point-in-time snapshot of the streaming statistics
// plus the last published feedback sample count and nominal rate.
func (d *Device) Counters() CountersSnapshot {
	return d.counters.Snapshot(d.feedback.Snapshot(), d.SampleRate())
}

// OverloadChanged implements hid.Notifier.
func (d *Device) OverloadChanged(cache [6]bool) {
	d.cacheMu.Lock()
	d.overloadCache = cache
	d.cacheMu.Unlock()
}

// PhonoChanged implements hid.Notifier.
func (d *Device) PhonoChanged(cache [3]bool) {
	d.cacheMu.Lock()
	d.phonoCache = cache
	d.cacheMu.Unlock()
}

// USBPortChanged implements hid.Notifier.
func (d *Device) USBPortChanged(raw [4]byte) {
	d.cacheMu.Lock()
	d.usbPortCache = raw
	d.cacheMu.Unlock()
}
