package sl3

import (
	"testing"
	"time"

	"github.com/ehrlich-b/sl3/faketransport"
	"github.com/ehrlich-b/sl3/internal/hid"
	"github.com/ehrlich-b/sl3/internal/logging"
	"github.com/ehrlich-b/sl3/internal/stream"
	"github.com/ehrlich-b/sl3/internal/usbdev"
)

// newTestDevice builds a Device the same way Probe does, minus the HID
// handshake (which needs either a real device or a scripted mailbox
// response per command — see internal/hid/channel_test.go for that
// trick, unavailable here since Channel's mailbox is unexported outside
// its own package). Exercises the same wiring Probe performs, just
// without paying the handshake's timeout budget in every test.
func newTestDevice(t *testing.T) (*Device, *faketransport.Transport) {
	t.Helper()
	tr := faketransport.New()

	d := &Device{
		transport:   tr,
		logger:      logging.Default(),
		feedback:    &stream.Feedback{},
		routing:     [3]RoutingMode{RoutingUSB, RoutingUSB, RoutingUSB},
		currentRate: DefaultSampleRate,
		openRefs:    1,
	}
	d.hid = hid.NewChannel(tr, d, d.IsDisconnected, d.markDisconnected)
	if err := d.hid.Start(); err != nil {
		t.Fatalf("hid.Start: %v", err)
	}
	t.Cleanup(d.hid.Stop)

	playbackURBs, err := allocIsoRing(tr, usbdev.Playback, epPlaybackOut)
	if err != nil {
		t.Fatalf("allocIsoRing playback: %v", err)
	}
	captureURBs, err := allocIsoRing(tr, usbdev.Capture, epCaptureIn)
	if err != nil {
		t.Fatalf("allocIsoRing capture: %v", err)
	}

	d.Capture = stream.New(usbdev.Capture, tr, captureURBs, d.feedback, d.IsDisconnected, d.markDisconnected)
	d.Playback = stream.New(usbdev.Playback, tr, playbackURBs, d.feedback, d.IsDisconnected, d.markDisconnected)
	d.Playback.SetPeer(d.Capture)
	d.Capture.SetUserOpen(func() bool { return false })
	d.Playback.SetRate(d.currentRate)
	d.Capture.SetRate(d.currentRate)

	d.Playback.SetXrunCallback(func() { d.counters.Underruns.Add(1) })
	d.Capture.SetXrunCallback(func() { d.counters.Overruns.Add(1) })
	d.Playback.SetCompletionCallback(func() { d.counters.PlaybackCompleted.Add(1) })
	d.Capture.SetCompletionCallback(func() { d.counters.CaptureCompleted.Add(1) })
	d.Playback.SetDiscontinuityCallback(func() { d.counters.Discontinuities.Add(1) })
	d.Capture.SetDiscontinuityCallback(func() { d.counters.Discontinuities.Add(1) })

	return d, tr
}

func TestSetSampleRateNoopWhenUnchanged(t *testing.T) {
	d, tr := newTestDevice(t)
	before := tr.Calls()["submit"]
	if err := d.SetSampleRate(d.SampleRate()); err != nil {
		t.Fatalf("SetSampleRate: %v", err)
	}
	if tr.Calls()["submit"] != before {
		t.Errorf("no-op rate change should not submit any transfers")
	}
}

func TestSetSampleRateRejectsUnsupportedRate(t *testing.T) {
	d, _ := newTestDevice(t)
	err := d.SetSampleRate(96000)
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Fatalf("err = %v, want ErrCodeInvalidArgument", err)
	}
}

func TestSetSampleRateBusyWhilePlaybackRunning(t *testing.T) {
	d, _ := newTestDevice(t)
	if err := d.Playback.Start(); err != nil {
		t.Fatalf("Playback.Start: %v", err)
	}
	defer d.Playback.Stop()

	before := d.SampleRate()
	err := d.SetSampleRate(44100)
	if !IsCode(err, ErrCodeBusy) {
		t.Fatalf("err = %v, want ErrCodeBusy", err)
	}
	if d.SampleRate() != before {
		t.Errorf("current rate must be untouched on a refused rate change")
	}
}

func TestSetRoutingRejectsOutOfRangePair(t *testing.T) {
	d, _ := newTestDevice(t)
	if _, err := d.SetRouting(3, RoutingAnalog); err == nil {
		t.Fatal("expected error for out-of-range pair")
	}
	if _, err := d.SetRouting(-1, RoutingAnalog); err == nil {
		t.Fatal("expected error for negative pair")
	}
}

func TestSetRoutingNoopWhenUnchanged(t *testing.T) {
	d, tr := newTestDevice(t)
	before := tr.Calls()["submit"]
	changed, err := d.SetRouting(0, RoutingUSB)
	if err != nil {
		t.Fatalf("SetRouting: %v", err)
	}
	if changed {
		t.Errorf("expected changed=false: routing already USB by default")
	}
	if tr.Calls()["submit"] != before {
		t.Errorf("expected no HID command for a no-op routing change")
	}
}

func TestSetRoutingSendsCommandAndUpdatesCache(t *testing.T) {
	d, tr := newTestDevice(t)
	before := tr.Calls()["submit"]
	changed, err := d.SetRouting(1, RoutingAnalog)
	if err != nil {
		t.Fatalf("SetRouting: %v", err)
	}
	if !changed {
		t.Errorf("expected changed=true")
	}
	if got := tr.Calls()["submit"] - before; got != 1 {
		t.Fatalf("expected one HID command submitted, got %d", got)
	}
	if got := d.Routing()[1]; got != RoutingAnalog {
		t.Errorf("routing[1] = %v, want Analog", got)
	}
}

func TestNegotiateRatePinsToRunningPeer(t *testing.T) {
	d, _ := newTestDevice(t)
	if err := d.Capture.Start(); err != nil {
		t.Fatalf("Capture.Start: %v", err)
	}
	defer d.Capture.Stop()

	got, err := d.NegotiateRate(Playback, 44100)
	if err != nil {
		t.Fatalf("NegotiateRate: %v", err)
	}
	if got != d.SampleRate() {
		t.Errorf("NegotiateRate = %d, want pinned rate %d", got, d.SampleRate())
	}
}

func TestNegotiateRateHonorsRequestWhenIdle(t *testing.T) {
	d, _ := newTestDevice(t)
	got, err := d.NegotiateRate(Playback, 44100)
	if err != nil {
		t.Fatalf("NegotiateRate: %v", err)
	}
	if got != 44100 {
		t.Errorf("NegotiateRate = %d, want 44100", got)
	}
	if _, err := d.NegotiateRate(Playback, 96000); err == nil {
		t.Error("expected error for unsupported requested rate")
	}
}

func TestNotifierUpdatesCaches(t *testing.T) {
	d, _ := newTestDevice(t)
	d.OverloadChanged([6]bool{true, false, true, false, true, false})
	d.PhonoChanged([3]bool{true, false, true})
	d.USBPortChanged([4]byte{1, 2, 3, 4})

	if d.OverloadStatus() != [6]bool{true, false, true, false, true, false} {
		t.Error("overload cache not updated")
	}
	if d.PhonoStatus() != [3]bool{true, false, true} {
		t.Error("phono cache not updated")
	}
	if d.USBPortStatus() != [4]byte{1, 2, 3, 4} {
		t.Error("usb port cache not updated")
	}
}

func TestCountersReflectStreamCallbacks(t *testing.T) {
	d, _ := newTestDevice(t)
	d.counters.PlaybackCompleted.Add(3)
	d.counters.Underruns.Add(1)

	snap := d.Counters()
	if snap.PlaybackCompleted != 3 || snap.Underruns != 1 {
		t.Errorf("snapshot = %+v, want PlaybackCompleted=3 Underruns=1", snap)
	}
	if snap.NominalRate != d.SampleRate() {
		t.Errorf("snapshot.NominalRate = %d, want %d", snap.NominalRate, d.SampleRate())
	}
}

func TestDisconnectIsIdempotentAndTearsDownTransport(t *testing.T) {
	d, tr := newTestDevice(t)
	d.Disconnect()
	d.Disconnect() // second call must not panic or double-release

	if !d.IsDisconnected() {
		t.Fatal("expected disconnected=true")
	}
	if _, claimed := tr.Calls()["claim"]; !claimed {
		t.Fatal("sanity: Calls() missing claim key")
	}
	// teardown's hid.Stop frees the HID IN and OUT transfers exactly
	// once; the second Disconnect must not free them again.
	if got := tr.Calls()["free"]; got != 2 {
		t.Errorf("free calls after Disconnect = %d, want 2", got)
	}
}

func TestOpenCloseReleasesOnlyAfterDisconnectAndLastClose(t *testing.T) {
	d, _ := newTestDevice(t)
	d.Open() // openRefs now 2

	d.Disconnect()
	d.closeMu.Lock()
	releasedAfterDisconnect := d.released
	d.closeMu.Unlock()
	if releasedAfterDisconnect {
		t.Fatal("must not release while a reference is still open")
	}

	d.Close() // drops the original ref from newTestDevice's implicit Open
	d.Close() // drops the extra ref
	time.Sleep(time.Millisecond)

	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if !d.released {
		t.Fatal("expected release once disconnected and fully closed")
	}
}
