//go:build linux

package usbdev

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/sl3/internal/logging"
)

// usbfsTransport talks directly to the kernel's usbfs character device
// (/dev/bus/usb/BBB/DDD) via the USBDEVFS_* ioctls, with no dependency
// beyond golang.org/x/sys/unix. It is the default transport on Linux.
type usbfsTransport struct {
	fd     int
	logger *logging.Logger

	mu       sync.Mutex
	claimed  map[int]bool
	pending  map[uintptr]*urbState // keyed by the urbState's own address
	disc     chan struct{}
	discOnce sync.Once
}

type urbState struct {
	raw     []byte // usbdevfsURBHeader followed by packet descriptors
	buf     []byte // transfer data buffer, referenced by raw's Buffer field
	packets int
	ring    *IsoRing       // non-nil for isochronous transfers
	intr    *InterruptXfer // non-nil for interrupt transfers
}

// NewUSBFSTransport opens busPath (e.g. "/dev/bus/usb/001/004") and
// returns a Transport backed by raw usbfs ioctls.
func NewUSBFSTransport(busPath string) (Transport, error) {
	fd, err := unix.Open(busPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("usbdev: open %s: %w", busPath, err)
	}
	t := &usbfsTransport{
		fd:      fd,
		logger:  logging.Default(),
		claimed: make(map[int]bool),
		pending: make(map[uintptr]*urbState),
		disc:    make(chan struct{}),
	}
	go t.reapLoop()
	return t, nil
}

func (t *usbfsTransport) Claim(iface int, alt int) error {
	var ifaceNum = uint32(iface)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&ifaceNum))); errno != 0 {
		return fmt.Errorf("usbdev: claim interface %d: %w", iface, errno)
	}
	t.mu.Lock()
	t.claimed[iface] = true
	t.mu.Unlock()

	if err := t.SetAlt(iface, alt); err != nil {
		t.mu.Lock()
		t.releaseLocked(iface)
		t.mu.Unlock()
		return err
	}
	return nil
}

// SetAlt resets iface to alt without touching the claim, ioctl'd the
// same way Claim's initial alt-setting is: USBDEVFS_SETINTERFACE.
func (t *usbfsTransport) SetAlt(iface int, alt int) error {
	setIf := usbdevfsSetInterface{Interface: uint32(iface), AltSetting: uint32(alt)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsSetInterface_, uintptr(unsafe.Pointer(&setIf))); errno != 0 {
		return fmt.Errorf("usbdev: set alt %d on interface %d: %w", alt, iface, errno)
	}
	return nil
}

func (t *usbfsTransport) Release(iface int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(iface)
}

func (t *usbfsTransport) releaseLocked(iface int) error {
	if !t.claimed[iface] {
		return nil
	}
	ifaceNum := uint32(iface)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&ifaceNum)))
	delete(t.claimed, iface)
	if errno != 0 {
		return fmt.Errorf("usbdev: release interface %d: %w", iface, errno)
	}
	return nil
}

func (t *usbfsTransport) AllocIso(dir Direction, endpoint uint8, packets int, packetSize int) (*IsoRing, error) {
	ring := NewIsoRing(dir, endpoint, packets, packetSize)
	state := newURBState(urbTypeISO, endpoint, ring.Buffer, packets)
	state.ring = ring
	ring.impl = state
	return ring, nil
}

func (t *usbfsTransport) AllocInterrupt(dir IODir, endpoint uint8, bufSize int) (*InterruptXfer, error) {
	x := NewInterruptXfer(dir, endpoint, bufSize)
	state := newURBState(urbTypeInterrupt, endpoint, x.Buffer, 0)
	state.intr = x
	x.impl = state
	return x, nil
}

func (t *usbfsTransport) Free(x Transfer) error {
	select {
	case <-t.disc:
		return nil
	default:
	}
	switch v := x.(type) {
	case *IsoRing:
		t.untrack(v.impl.(*urbState))
		close(v.completions)
	case *InterruptXfer:
		t.untrack(v.impl.(*urbState))
		close(v.completions)
	}
	return nil
}

func (t *usbfsTransport) untrack(s *urbState) {
	t.mu.Lock()
	delete(t.pending, uintptr(unsafe.Pointer(s)))
	t.mu.Unlock()
}

func (t *usbfsTransport) Submit(x Transfer) error {
	var s *urbState
	switch v := x.(type) {
	case *IsoRing:
		s = v.impl.(*urbState)
		for i := 0; i < v.Packets; i++ {
			n := v.PacketLens[i]
			if v.Dir == Capture {
				n = v.PacketSize
			}
			s.setPacketLength(i, n)
		}
	case *InterruptXfer:
		s = v.impl.(*urbState)
	default:
		return fmt.Errorf("usbdev: unknown transfer type %T", x)
	}

	t.mu.Lock()
	t.pending[uintptr(unsafe.Pointer(s))] = s
	t.mu.Unlock()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsSubmitURB, uintptr(unsafe.Pointer(&s.raw[0])))
	if errno != 0 {
		t.untrack(s)
		return fmt.Errorf("usbdev: submit urb: %w", errno)
	}
	return nil
}

func (t *usbfsTransport) Kill(x Transfer) error {
	var s *urbState
	switch v := x.(type) {
	case *IsoRing:
		s = v.impl.(*urbState)
	case *InterruptXfer:
		s = v.impl.(*urbState)
	default:
		return fmt.Errorf("usbdev: unknown transfer type %T", x)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsDiscardURB, uintptr(unsafe.Pointer(&s.raw[0])))
	if errno != 0 && errno != unix.EINVAL {
		return fmt.Errorf("usbdev: discard urb: %w", errno)
	}
	return nil
}

// ClearHalt clears the stall condition on endpoint via
// USBDEVFS_CLEAR_HALT, letting a subsequent Submit on it succeed.
func (t *usbfsTransport) ClearHalt(endpoint uint8) error {
	ep := uint32(endpoint)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsClearHalt, uintptr(unsafe.Pointer(&ep)))
	if errno != 0 {
		return fmt.Errorf("usbdev: clear halt on endpoint %#x: %w", endpoint, errno)
	}
	return nil
}

func (t *usbfsTransport) Disconnected() <-chan struct{} {
	return t.disc
}

func (t *usbfsTransport) markDisconnected() {
	t.discOnce.Do(func() { close(t.disc) })
}

// reapLoop blocks on USBDEVFS_REAPURB, pinned to one OS thread so the
// kernel-visible completion path never migrates goroutines mid-syscall,
// mirroring the teacher's per-queue ioLoop pinning.
func (t *usbfsTransport) reapLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		var urbPtr uintptr
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), usbdevfsReapURB, uintptr(unsafe.Pointer(&urbPtr)))
		if errno == unix.ENODEV || errno == unix.ENOENT {
			t.markDisconnected()
			return
		}
		if errno != 0 {
			t.logger.Warn("usbfs reap failed", "errno", errno)
			continue
		}

		header := (*usbdevfsURBHeader)(unsafe.Pointer(urbPtr))
		// The kernel hands back the submitted usbdevfs_urb address
		// (&s.raw[0]), not the urbState address pending is keyed by.
		t.mu.Lock()
		var s *urbState
		for key, p := range t.pending {
			if uintptr(unsafe.Pointer(&p.raw[0])) == urbPtr {
				s = p
				delete(t.pending, key)
				break
			}
		}
		ok := s != nil
		t.mu.Unlock()
		if !ok {
			continue
		}

		comp := classifyCompletion(header.Status)
		if comp.Status == StatusDeviceGone {
			t.markDisconnected()
		}

		switch {
		case s.ring != nil:
			comp.PacketLengths = s.packetActualLengths()
			sum := 0
			for _, l := range comp.PacketLengths {
				sum += l
			}
			comp.ActualLength = sum
			select {
			case s.ring.completions <- comp:
			default:
			}
		case s.intr != nil:
			comp.ActualLength = int(header.ActualLength)
			select {
			case s.intr.completions <- comp:
			default:
			}
		}
	}
}

func classifyCompletion(status int32) Completion {
	switch {
	case status == 0:
		return Completion{Status: StatusOK}
	case status == -int32(syscall.ECONNRESET) || status == -int32(syscall.ENOENT):
		return Completion{Status: StatusCancelled}
	case status == -int32(syscall.ENODEV) || status == -int32(syscall.ESHUTDOWN):
		return Completion{Status: StatusDeviceGone}
	case status == -int32(syscall.EPIPE):
		return Completion{Status: StatusStall}
	case status == -int32(syscall.EOVERFLOW):
		return Completion{Status: StatusOverflow}
	default:
		return Completion{Status: StatusError, Err: syscall.Errno(-status)}
	}
}
