// Package hid drives the SL3's vendor HID interface: a persistent IN
// transfer that demuxes command responses from async notifications, and
// a mutex-serialized OUT path that reuses a single 64-byte buffer for
// every outbound command, mirroring the teacher's single in-flight
// control-sequence discipline in internal/ctrl/control.go.
package hid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/sl3/internal/hidframe"
	"github.com/ehrlich-b/sl3/internal/logging"
	"github.com/ehrlich-b/sl3/internal/usbdev"
)

const (
	outEndpoint = 0x01
	inEndpoint  = 0x81

	transferTimeout    = 1000 * time.Millisecond
	mailboxWait        = 500 * time.Millisecond
	stabilizationDelay = 100 * time.Millisecond
)

// ErrDisconnected is returned by SendCommand once the device has gone
// away; callers should stop issuing further commands.
var ErrDisconnected = errors.New("hid: device disconnected")

// ErrTimeout is returned when an OUT transfer or its mailbox response
// doesn't complete within the channel's fixed deadlines.
var ErrTimeout = errors.New("hid: response timeout")

// Notifier receives the three cache updates the async notification
// codes carry. Implementations must not block; the demux loop calls
// these inline between resubmits.
type Notifier interface {
	OverloadChanged(cache [6]bool)
	PhonoChanged(cache [3]bool)
	USBPortChanged(raw [4]byte)
}

// Channel owns the HID interface's IN and OUT interrupt transfers.
type Channel struct {
	transport usbdev.Transport
	logger    *logging.Logger
	notifier  Notifier

	isDisconnected func() bool
	onDeviceGone   func()

	// outMu serializes the OUT path end to end: one command in flight at
	// a time, including its mailbox wait, exactly as the device expects.
	outMu   chan struct{}
	mailbox chan hidframe.Frame

	in  *usbdev.InterruptXfer
	out *usbdev.InterruptXfer
}

// NewChannel builds a Channel over transport. notifier may be nil if the
// caller doesn't care about async notifications. isDisconnected reports
// whether the owning device has already been marked gone; onDeviceGone
// is called once, from the demux loop, the first time the IN transfer
// reports the device is gone.
func NewChannel(transport usbdev.Transport, notifier Notifier, isDisconnected func() bool, onDeviceGone func()) *Channel {
	return &Channel{
		transport:      transport,
		logger:         logging.Default(),
		notifier:       notifier,
		isDisconnected: isDisconnected,
		onDeviceGone:   onDeviceGone,
		outMu:          make(chan struct{}, 1),
		mailbox:        make(chan hidframe.Frame, 1),
	}
}

// Start allocates and arms the IN transfer and the OUT buffer, then
// starts the demux loop. The IN transfer must be armed before any
// command is sent, since a response can race the submit call that
// requested it.
func (c *Channel) Start() error {
	in, err := c.transport.AllocInterrupt(usbdev.In, inEndpoint, hidframe.Size)
	if err != nil {
		return fmt.Errorf("hid: alloc in transfer: %w", err)
	}
	c.in = in

	out, err := c.transport.AllocInterrupt(usbdev.Out, outEndpoint, hidframe.Size)
	if err != nil {
		c.transport.Free(in)
		return fmt.Errorf("hid: alloc out transfer: %w", err)
	}
	c.out = out

	if err := c.transport.Submit(c.in); err != nil {
		c.transport.Free(in)
		c.transport.Free(out)
		return fmt.Errorf("hid: arm in transfer: %w", err)
	}

	go c.demuxLoop()
	return nil
}

// Stop cancels the IN transfer (which unblocks the demux loop) and
// frees both transfers. Safe to call once the device is already gone.
func (c *Channel) Stop() {
	if c.in != nil {
		c.transport.Kill(c.in)
		c.transport.Free(c.in)
	}
	if c.out != nil {
		c.transport.Free(c.out)
	}
}

func (c *Channel) demuxLoop() {
	for comp := range c.in.Completions() {
		switch comp.Status {
		case usbdev.StatusCancelled:
			return
		case usbdev.StatusDeviceGone:
			if c.onDeviceGone != nil {
				c.onDeviceGone()
			}
			return
		case usbdev.StatusStall:
			c.logger.Warn("hid in transfer stalled, clearing halt and resubmitting")
			if err := c.transport.ClearHalt(inEndpoint); err != nil {
				c.logger.Warn("clear halt failed", "endpoint", inEndpoint, "err", err)
			}
			c.resubmitIn()
			continue
		case usbdev.StatusOverflow:
			c.logger.Warn("hid in transfer overflowed, resubmitting")
			c.resubmitIn()
			continue
		case usbdev.StatusError:
			c.logger.Warn("hid in transfer error, resubmitting", "err", comp.Err)
			c.resubmitIn()
			continue
		}

		var f hidframe.Frame
		copy(f[:], c.in.Buffer)
		c.dispatch(f, comp.ActualLength)
		c.resubmitIn()
	}
}

func (c *Channel) resubmitIn() {
	if err := c.transport.Submit(c.in); err != nil {
		c.logger.Warn("hid: failed to resubmit in transfer", "err", err)
	}
}

func (c *Channel) dispatch(f hidframe.Frame, actualLength int) {
	switch hidframe.Classify(f, actualLength) {
	case hidframe.KindOverload:
		var cache [6]bool
		payload := f.Payload()
		for i := range cache {
			cache[i] = payload[i] != 0
		}
		if c.notifier != nil {
			c.notifier.OverloadChanged(cache)
		}
	case hidframe.KindPhono:
		var cache [3]bool
		payload := f.Payload()
		for i := range cache {
			cache[i] = payload[i] != 0
		}
		if c.notifier != nil {
			c.notifier.PhonoChanged(cache)
		}
	case hidframe.KindUSBPort:
		var raw [4]byte
		copy(raw[:], f.Payload()[:4])
		if c.notifier != nil {
			c.notifier.USBPortChanged(raw)
		}
	case hidframe.KindShort:
		// Matched a notification code but too short to trust; drop.
	case hidframe.KindResponse:
		select {
		case c.mailbox <- f:
		default:
			c.logger.Warn("hid: response dropped, mailbox full")
		}
	}
}

// SendCommand builds cmd/payload into the OUT buffer, submits it, and
// if wait is true blocks for the matching response frame. The whole
// sequence is serialized: only one command can be in flight at a time,
// and the mailbox is drained first so a stale response from a prior
// command (or an unsolicited one) can't be mistaken for this command's
// answer.
func (c *Channel) SendCommand(cmd byte, payload []byte, wait bool) (hidframe.Frame, error) {
	c.outMu <- struct{}{}
	defer func() { <-c.outMu }()

	if c.isDisconnected() {
		return hidframe.Frame{}, ErrDisconnected
	}

	if wait {
		select {
		case <-c.mailbox:
		default:
		}
	}

	f, err := hidframe.Build(cmd, payload)
	if err != nil {
		return hidframe.Frame{}, err
	}
	copy(c.out.Buffer, f[:])

	if err := c.transport.Submit(c.out); err != nil {
		return hidframe.Frame{}, fmt.Errorf("hid: submit out transfer: %w", err)
	}

	select {
	case comp := <-c.out.Completions():
		if comp.Status != usbdev.StatusOK {
			return hidframe.Frame{}, fmt.Errorf("hid: out transfer failed: status=%v: %w", comp.Status, comp.Err)
		}
	case <-time.After(transferTimeout):
		return hidframe.Frame{}, ErrTimeout
	}

	if !wait {
		return hidframe.Frame{}, nil
	}

	select {
	case resp := <-c.mailbox:
		return resp, nil
	case <-time.After(mailboxWait):
		return hidframe.Frame{}, ErrTimeout
	}
}

// Init sends the vendor init handshake command.
func (c *Channel) Init() error {
	_, err := c.SendCommand(hidframe.CmdInit, []byte{0x00}, true)
	return err
}

// StatusQuery sends the status query command. The response is
// discarded; it exists only to settle the device's internal state
// machine before the rate is set.
func (c *Channel) StatusQuery() error {
	_, err := c.SendCommand(hidframe.CmdStatusQuery, []byte{0x01}, true)
	return err
}

// SetSampleRate sends the set-sample-rate command for rate, which must
// be 44100 or 48000.
func (c *Channel) SetSampleRate(rate int) error {
	if rate != 44100 && rate != 48000 {
		return fmt.Errorf("hid: unsupported sample rate %d", rate)
	}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(rate))
	_, err := c.SendCommand(hidframe.CmdSetRate, payload, true)
	return err
}

// QueryPhono sends the phono-preamp query command and returns the
// per-deck phono cache from its response.
func (c *Channel) QueryPhono() ([3]byte, error) {
	resp, err := c.SendCommand(hidframe.CmdQueryPhono, nil, true)
	if err != nil {
		return [3]byte{}, err
	}
	var out [3]byte
	copy(out[:], resp.Payload()[:3])
	return out, nil
}

// SetRouting sends the set-routing command for the given deck pair and
// mode. Unlike the other commands this one is fire-and-forget: the
// device doesn't answer it.
func (c *Channel) SetRouting(pair byte, mode byte) error {
	_, err := c.SendCommand(hidframe.CmdSetRouting, []byte{pair, 0x01, mode}, false)
	return err
}

// Handshake runs the fixed bring-up sequence: init, status query, set
// the default sample rate, query the phono cache, then wait out the
// device's stabilization delay. Each step's failure is collected as a
// warning rather than aborting the sequence — a probe that can't reach
// the HID interface at all fails elsewhere, but a single balky command
// here shouldn't sink the whole device.
func (c *Channel) Handshake(defaultRate int) (phono [3]byte, warnings []error) {
	if err := c.Init(); err != nil {
		warnings = append(warnings, fmt.Errorf("hid init: %w", err))
	}
	if err := c.StatusQuery(); err != nil {
		warnings = append(warnings, fmt.Errorf("hid status query: %w", err))
	}
	if err := c.SetSampleRate(defaultRate); err != nil {
		warnings = append(warnings, fmt.Errorf("hid set rate: %w", err))
	}
	if p, err := c.QueryPhono(); err != nil {
		warnings = append(warnings, fmt.Errorf("hid query phono: %w", err))
	} else {
		phono = p
	}
	time.Sleep(stabilizationDelay)
	return phono, warnings
}
