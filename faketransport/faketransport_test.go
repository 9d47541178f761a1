package faketransport

import (
	"testing"

	"github.com/ehrlich-b/sl3/internal/usbdev"
)

func TestSubmitEchoesOKByDefault(t *testing.T) {
	tr := New()
	ring, err := tr.AllocIso(usbdev.Capture, 0x82, 8, 126)
	if err != nil {
		t.Fatalf("AllocIso: %v", err)
	}
	if err := tr.Submit(ring); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case c := <-ring.Completions():
		if c.Status != usbdev.StatusOK {
			t.Errorf("status = %v, want StatusOK", c.Status)
		}
		if len(c.PacketLengths) != 8 {
			t.Errorf("len(PacketLengths) = %d, want 8", len(c.PacketLengths))
		}
	default:
		t.Fatal("expected a completion to be delivered synchronously")
	}
}

func TestScriptedCompletionsAreFIFOPerEndpoint(t *testing.T) {
	tr := New()
	tr.Script(0x82, usbdev.Completion{Status: usbdev.StatusStall})
	tr.Script(0x82, usbdev.Completion{Status: usbdev.StatusOK})

	ring, _ := tr.AllocIso(usbdev.Capture, 0x82, 8, 126)

	tr.Submit(ring)
	first := <-ring.Completions()
	if first.Status != usbdev.StatusStall {
		t.Errorf("first completion = %v, want StatusStall", first.Status)
	}

	tr.Submit(ring)
	second := <-ring.Completions()
	if second.Status != usbdev.StatusOK {
		t.Errorf("second completion = %v, want StatusOK", second.Status)
	}
}

func TestClearHaltLogsEndpoint(t *testing.T) {
	tr := New()
	if err := tr.ClearHalt(0x82); err != nil {
		t.Fatalf("ClearHalt: %v", err)
	}
	if len(tr.ClearHaltLog) != 1 || tr.ClearHaltLog[0] != 0x82 {
		t.Fatalf("ClearHaltLog = %v, want [0x82]", tr.ClearHaltLog)
	}
	if tr.Calls()["clearhalt"] != 1 {
		t.Errorf("clearhalt call count = %d, want 1", tr.Calls()["clearhalt"])
	}
}

func TestSetAltRecordsAltSetting(t *testing.T) {
	tr := New()
	tr.Claim(1, 1)
	if err := tr.SetAlt(1, 0); err != nil {
		t.Fatalf("SetAlt: %v", err)
	}
	if tr.claimed[1] != 0 {
		t.Errorf("claimed[1] = %d, want 0", tr.claimed[1])
	}
}

func TestSimulateDisconnectClosesChannel(t *testing.T) {
	tr := New()
	select {
	case <-tr.Disconnected():
		t.Fatal("Disconnected channel should not be closed yet")
	default:
	}
	tr.SimulateDisconnect()
	select {
	case <-tr.Disconnected():
	default:
		t.Fatal("Disconnected channel should be closed after SimulateDisconnect")
	}
}
