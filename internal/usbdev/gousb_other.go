//go:build !linux

package usbdev

import (
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/ehrlich-b/sl3/internal/logging"
)

// gousbTransport is the portability fallback transport: it drives the
// device through libusb via gousb instead of raw usbfs ioctls, for hosts
// where the kernel's usbfs character device isn't available. Claim,
// endpoint lookup, and teardown ordering follow the same
// open-then-claim-then-rollback-on-error shape as a libusb-based ASIC
// miner driver in the same example pack, adapted to the SL3's three
// interfaces and isochronous endpoints instead of one bulk pair.
type gousbTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	logger *logging.Logger

	mu      sync.Mutex
	ifaces  map[int]*gousb.Interface
	disc    chan struct{}
	discDo  sync.Once
}

// NewGoUSBTransport opens the first device matching vid/pid.
func NewGoUSBTransport(vid, pid gousb.ID) (Transport, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbdev: open device %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbdev: device %s:%s not found", vid, pid)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbdev: set auto detach: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbdev: select config: %w", err)
	}

	return &gousbTransport{
		ctx:    ctx,
		dev:    dev,
		cfg:    cfg,
		logger: logging.Default(),
		ifaces: make(map[int]*gousb.Interface),
		disc:   make(chan struct{}),
	}, nil
}

func (t *gousbTransport) Claim(iface int, alt int) error {
	intf, err := t.cfg.Interface(iface, alt)
	if err != nil {
		return fmt.Errorf("usbdev: claim interface %d alt %d: %w", iface, alt, err)
	}
	t.mu.Lock()
	t.ifaces[iface] = intf
	t.mu.Unlock()
	return nil
}

// SetAlt re-selects alt on iface without dropping the claim: gousb ties
// claim and alt-setting together in Config.Interface, so this closes
// and re-opens the interface handle at the new alt, the same externally
// visible effect as usbfs's separate SETINTERFACE ioctl.
func (t *gousbTransport) SetAlt(iface int, alt int) error {
	intf, err := t.cfg.Interface(iface, alt)
	if err != nil {
		return fmt.Errorf("usbdev: set alt %d on interface %d: %w", alt, iface, err)
	}
	t.mu.Lock()
	old := t.ifaces[iface]
	t.ifaces[iface] = intf
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (t *gousbTransport) Release(iface int) error {
	t.mu.Lock()
	intf, ok := t.ifaces[iface]
	delete(t.ifaces, iface)
	t.mu.Unlock()
	if ok {
		intf.Close()
	}
	return nil
}

func (t *gousbTransport) AllocIso(dir Direction, endpoint uint8, packets int, packetSize int) (*IsoRing, error) {
	t.mu.Lock()
	intf := t.isoInterfaceLocked(dir)
	t.mu.Unlock()
	if intf == nil {
		return nil, fmt.Errorf("usbdev: no interface claimed for %s endpoint %#x", dir, endpoint)
	}

	ring := NewIsoRing(dir, endpoint, packets, packetSize)

	if dir == Capture {
		in, err := intf.InEndpoint(int(endpoint & 0x0f))
		if err != nil {
			return nil, fmt.Errorf("usbdev: in endpoint %#x: %w", endpoint, err)
		}
		stream, err := in.NewStream(packets*packetSize, 4)
		if err != nil {
			return nil, fmt.Errorf("usbdev: iso in stream: %w", err)
		}
		ring.impl = stream
	} else {
		out, err := intf.OutEndpoint(int(endpoint & 0x0f))
		if err != nil {
			return nil, fmt.Errorf("usbdev: out endpoint %#x: %w", endpoint, err)
		}
		stream, err := out.NewStream(packets*packetSize, 4)
		if err != nil {
			return nil, fmt.Errorf("usbdev: iso out stream: %w", err)
		}
		ring.impl = stream
	}
	return ring, nil
}

func (t *gousbTransport) isoInterfaceLocked(dir Direction) *gousb.Interface {
	if dir == Capture {
		return t.ifaces[2]
	}
	return t.ifaces[1]
}

func (t *gousbTransport) AllocInterrupt(dir IODir, endpoint uint8, bufSize int) (*InterruptXfer, error) {
	t.mu.Lock()
	intf := t.ifaces[3]
	t.mu.Unlock()
	if intf == nil {
		return nil, fmt.Errorf("usbdev: HID interface not claimed")
	}

	x := NewInterruptXfer(dir, endpoint, bufSize)
	if dir == In {
		ep, err := intf.InEndpoint(int(endpoint & 0x0f))
		if err != nil {
			return nil, fmt.Errorf("usbdev: hid in endpoint: %w", err)
		}
		x.impl = ep
	} else {
		ep, err := intf.OutEndpoint(int(endpoint & 0x0f))
		if err != nil {
			return nil, fmt.Errorf("usbdev: hid out endpoint: %w", err)
		}
		x.impl = ep
	}
	return x, nil
}

func (t *gousbTransport) Free(x Transfer) error {
	switch v := x.(type) {
	case *IsoRing:
		if closer, ok := v.impl.(interface{ Close() error }); ok {
			closer.Close()
		}
		close(v.completions)
	case *InterruptXfer:
		close(v.completions)
	}
	return nil
}

func (t *gousbTransport) Submit(x Transfer) error {
	switch v := x.(type) {
	case *IsoRing:
		stream, ok := v.impl.(*gousb.WriteStream)
		if ok {
			_, err := stream.Write(v.Buffer)
			v.completions <- completionFromErr(err)
			return err
		}
		if rs, ok := v.impl.(*gousb.ReadStream); ok {
			n, err := rs.Read(v.Buffer)
			v.completions <- Completion{Status: statusFromErr(err), ActualLength: n, Err: err}
			return err
		}
	case *InterruptXfer:
		if ep, ok := v.impl.(*gousb.InEndpoint); ok {
			n, err := ep.Read(v.Buffer)
			v.completions <- Completion{Status: statusFromErr(err), ActualLength: n, Err: err}
			return err
		}
		if ep, ok := v.impl.(*gousb.OutEndpoint); ok {
			n, err := ep.Write(v.Buffer)
			v.completions <- Completion{Status: statusFromErr(err), ActualLength: n, Err: err}
			return err
		}
	}
	return fmt.Errorf("usbdev: submit: unsupported transfer %T", x)
}

func (t *gousbTransport) Kill(x Transfer) error {
	// gousb's streaming API drains on Close; a discrete cancel-in-flight
	// primitive doesn't exist at this layer, so Kill is a no-op here and
	// callers rely on Free to close (and thus drain) the stream.
	return nil
}

// ClearHalt issues the standard CLEAR_FEATURE(ENDPOINT_HALT) control
// request gousb's streaming API doesn't expose directly, matching what
// USBDEVFS_CLEAR_HALT does on the usbfs backend.
func (t *gousbTransport) ClearHalt(endpoint uint8) error {
	const (
		requestTypeEndpointOut = 0x02 // host-to-device, standard, endpoint recipient
		requestClearFeature    = 0x01
		featureEndpointHalt    = 0x00
	)
	_, err := t.dev.Control(requestTypeEndpointOut, requestClearFeature, featureEndpointHalt, uint16(endpoint), nil)
	return err
}

func (t *gousbTransport) Disconnected() <-chan struct{} {
	return t.disc
}

func (t *gousbTransport) markDisconnected() {
	t.discDo.Do(func() { close(t.disc) })
}

func completionFromErr(err error) Completion {
	return Completion{Status: statusFromErr(err), Err: err}
}

func statusFromErr(err error) CompletionStatus {
	if err == nil {
		return StatusOK
	}
	return StatusError
}
