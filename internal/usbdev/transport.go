// Package usbdev is the transport primitives layer: allocation,
// submission, completion, and teardown of the isochronous and interrupt
// transfers the rest of the driver programs against. It never
// interprets payload bytes — that is the HID channel's and streaming
// engine's job — it only moves buffers and reports completion status.
package usbdev

// Transport abstracts the underlying USB access mechanism: raw Linux
// usbfs ioctls (the default) or a libusb-backed implementation for
// portability. Every method must be safe to call after Disconnected()
// has fired; Free in particular must be idempotent.
type Transport interface {
	Claim(iface int, alt int) error
	// SetAlt resets iface to alt without releasing it — used during
	// teardown to return the streaming interfaces to alt 0 before
	// Release, the way unplugging and replugging would leave them.
	SetAlt(iface int, alt int) error
	Release(iface int) error
	AllocIso(dir Direction, endpoint uint8, packets int, packetSize int) (*IsoRing, error)
	AllocInterrupt(dir IODir, endpoint uint8, bufSize int) (*InterruptXfer, error)
	Free(x Transfer) error
	Submit(x Transfer) error
	Kill(x Transfer) error
	// ClearHalt clears a stalled endpoint's halt condition so a
	// subsequent Submit on it succeeds, per the transient-transport
	// recovery path in the error taxonomy.
	ClearHalt(endpoint uint8) error
	Disconnected() <-chan struct{}
}

// CompletionStatus classifies a reaped transfer the way the error
// taxonomy in the streaming engine and HID channel expect it.
type CompletionStatus int

const (
	StatusOK CompletionStatus = iota
	StatusCancelled
	StatusDeviceGone
	StatusStall
	StatusOverflow
	StatusError
)

// Completion is delivered once per reaped transfer via the owning
// Transfer's Completions channel.
type Completion struct {
	Status CompletionStatus
	// ActualLength is the device-reported byte count for interrupt
	// transfers, or the sum of PacketLengths for isochronous ones.
	ActualLength int
	// PacketLengths holds the per-packet actual length reported by the
	// device, valid only for isochronous completions and only
	// meaningful on the direction that receives data (capture IN).
	PacketLengths []int
	Err           error
}

// Transfer is implemented by IsoRing and InterruptXfer; it exists so
// Submit/Kill/Free can accept either without a type switch at every call
// site losing static typing on the allocation side.
type Transfer interface {
	transferMarker()
}

// IsoRing is one isochronous URB: a fixed-size buffer carved into
// Packets packet slots of up to PacketSize bytes each, resubmitted
// every completion to form the streaming engine's ring. The name
// matches the ring the streaming engine builds by resubmitting it, not
// a ring of multiple URBs — each IsoRing is a single transfer.
type IsoRing struct {
	Dir        Direction
	Endpoint   uint8
	Packets    int
	PacketSize int
	// Buffer is Packets*PacketSize bytes, DMA-backed where the
	// implementation supports it. Callers write into it before Submit
	// on an OUT direction and read from it after a completion on IN.
	Buffer []byte
	// PacketLens is set by the caller before Submit to the number of
	// bytes valid in each packet slot (OUT), and is otherwise ignored;
	// actual per-packet lengths reported by the device arrive in the
	// corresponding Completion.
	PacketLens []int

	completions chan Completion
	impl        any // implementation-private handle (urb state, gousb stream, ...)
}

func (r *IsoRing) transferMarker() {}

// Completions returns the channel completions for this ring are posted
// to. Closed when the ring is freed.
func (r *IsoRing) Completions() <-chan Completion {
	return r.completions
}

// Deliver posts a completion for this ring. Real transports deliver
// through their own reap loop; faketransport uses this directly to
// script completions without a kernel in the loop.
func (r *IsoRing) Deliver(c Completion) {
	r.completions <- c
}

// NewIsoRing builds an IsoRing with its own buffer and completion
// channel. Every transport, in this package (usbfsTransport,
// gousbTransport) and outside it (faketransport), allocates its rings
// through this constructor.
func NewIsoRing(dir Direction, endpoint uint8, packets int, packetSize int) *IsoRing {
	return &IsoRing{
		Dir:         dir,
		Endpoint:    endpoint,
		Packets:     packets,
		PacketSize:  packetSize,
		Buffer:      make([]byte, packets*packetSize),
		PacketLens:  make([]int, packets),
		completions: make(chan Completion, 4),
	}
}

// InterruptXfer is one interrupt transfer: the HID channel's persistent
// IN buffer or its single-shot OUT command buffer.
type InterruptXfer struct {
	Dir      IODir
	Endpoint uint8
	Buffer   []byte

	completions chan Completion
	impl        any
}

func (x *InterruptXfer) transferMarker() {}

func (x *InterruptXfer) Completions() <-chan Completion {
	return x.completions
}

// Deliver posts a completion for this transfer; see IsoRing.Deliver.
func (x *InterruptXfer) Deliver(c Completion) {
	x.completions <- c
}

// NewInterruptXfer builds an InterruptXfer with its own buffer and
// completion channel; see NewIsoRing.
func NewInterruptXfer(dir IODir, endpoint uint8, bufSize int) *InterruptXfer {
	return &InterruptXfer{
		Dir:         dir,
		Endpoint:    endpoint,
		Buffer:      make([]byte, bufSize),
		completions: make(chan Completion, 4),
	}
}
