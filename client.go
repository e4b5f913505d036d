package gsusb

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Channel holds the configuration for one physical CAN channel.
type Channel struct {
	// Bitrate in bits/second, 0 when never set.
	Bitrate uint32
	// Participate when the device starts and stops.
	Enabled bool
	// Hardware loopback mode, sent frames are received back locally.
	Loopback bool
	// Listen only, the device never transmits frames or acknowledgements.
	Monitor bool
}

type Opts func(*Client) error

// OptDebug enables verbose logging of the dispatcher lifecycle.
func OptDebug(enabled bool) Opts {
	return func(c *Client) error {
		c.debug = enabled
		return nil
	}
}

// OptOnMessage sets the handler for informational messages. Defaults to
// log.Println.
func OptOnMessage(fn func(string)) Opts {
	return func(c *Client) error {
		if fn == nil {
			return fmt.Errorf("nil message handler")
		}
		c.onMessage = fn
		return nil
	}
}

// Client drives a single gs_usb device. It owns the per channel
// configuration and the running state, and delivers received frames to the
// callback passed to Start.
//
// Configuration calls must be serialized by the caller against Start and
// Stop. The frame callback runs on the dispatcher goroutine, not on the
// goroutine that called Start.
type Client struct {
	dev Transport

	canClock uint32
	// zero indexed (0 = 1 channel, 1 = 2 channels, etc...)
	ifaceCount int
	swVersion  uint32
	hwVersion  uint32

	channels []Channel

	mu      sync.RWMutex
	running bool
	stop    chan struct{}

	debug     bool
	onMessage func(string)
}

// New creates a Client on top of an opened transport. The device
// descriptor and bit timing constraints are read once here; every channel
// starts out enabled with no bitrate set.
func New(dev Transport, opts ...Opts) (*Client, error) {
	c := &Client{
		dev:       dev,
		onMessage: func(msg string) { log.Println(msg) },
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	devCfg, err := dev.DeviceConfig()
	if err != nil {
		return nil, &DeviceError{Op: "device config", Err: err}
	}
	consts, err := dev.BitTimingConsts()
	if err != nil {
		return nil, &DeviceError{Op: "bit timing constants", Err: err}
	}

	c.ifaceCount = int(devCfg.IfaceCount)
	c.swVersion = devCfg.SWVersion
	c.hwVersion = devCfg.HWVersion
	c.canClock = consts.CANClock

	c.channels = make([]Channel, c.ifaceCount+1)
	for i := range c.channels {
		c.channels[i] = Channel{Enabled: true}
	}
	return c, nil
}

// Channels returns the number of channels the device has.
func (c *Client) Channels() int {
	return c.ifaceCount + 1
}

// Channel returns the configuration of the given channel.
func (c *Client) Channel(channel int) (Channel, error) {
	if channel < 0 || channel >= len(c.channels) {
		return Channel{}, ErrInvalidChannel
	}
	return c.channels[channel], nil
}

// CANClock returns the CAN controller clock frequency in Hz.
func (c *Client) CANClock() uint32 {
	return c.canClock
}

func (c *Client) FirmwareVersion() uint32 {
	return c.swVersion
}

func (c *Client) HardwareVersion() uint32 {
	return c.hwVersion
}

// Running reports whether the device is on bus.
func (c *Client) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetBitrate computes bit timing for the requested bitrate and programs it
// into the channel. The hardware can reprogram its timing registers
// without a bus reset, so this is allowed while running.
func (c *Client) SetBitrate(channel int, bitrate uint32) error {
	if channel < 0 || channel >= len(c.channels) {
		return ErrInvalidChannel
	}
	bt, err := CalculateBitTiming(c.canClock, bitrate)
	if err != nil {
		return err
	}
	if err := c.dev.SetBitTiming(uint16(channel), bt); err != nil {
		return &DeviceError{Op: "set bit timing", Err: err}
	}
	c.channels[channel].Bitrate = bitrate
	return nil
}

// SetBitTiming programs caller supplied timing values directly, bypassing
// the calculator.
func (c *Client) SetBitTiming(channel int, bt BitTiming) error {
	if channel < 0 || channel >= len(c.channels) {
		return ErrInvalidChannel
	}
	if err := c.dev.SetBitTiming(uint16(channel), bt); err != nil {
		return &DeviceError{Op: "set bit timing", Err: err}
	}
	return nil
}

// SetMonitor enables or disables a channel's listen only mode. Mode bits
// can only be changed while the device is off bus.
func (c *Client) SetMonitor(channel int, enabled bool) error {
	if channel < 0 || channel >= len(c.channels) {
		return ErrInvalidChannel
	}
	if c.Running() {
		return ErrRunning
	}
	c.channels[channel].Monitor = enabled
	return nil
}

// SetEnabled controls whether the channel participates in Start and Stop.
func (c *Client) SetEnabled(channel int, enabled bool) error {
	if channel < 0 || channel >= len(c.channels) {
		return ErrInvalidChannel
	}
	if c.Running() {
		return ErrRunning
	}
	c.channels[channel].Enabled = enabled
	return nil
}

// SetLoopback enables or disables a channel's hardware loopback mode.
// Frames sent by the device are then received back as if another node had
// sent them. Intended for device testing.
func (c *Client) SetLoopback(channel int, enabled bool) error {
	if channel < 0 || channel >= len(c.channels) {
		return ErrInvalidChannel
	}
	if c.Running() {
		return ErrRunning
	}
	c.channels[channel].Loopback = enabled
	return nil
}

// Start puts every enabled channel on bus and starts delivering received
// frames to onFrame. The callback is invoked synchronously per frame on a
// single dispatcher goroutine, so a slow callback delays subsequent
// deliveries.
func (c *Client) Start(onFrame func(Frame)) error {
	if onFrame == nil {
		onFrame = func(Frame) {}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunning
	}

	for i, ch := range c.channels {
		if !ch.Enabled {
			continue
		}
		var flags uint32
		if ch.Monitor {
			flags |= FeatureListenOnly
		}
		if ch.Loopback {
			flags |= FeatureLoopBack
		}
		if err := c.dev.SetMode(uint16(i), Mode{Mode: ModeStart, Flags: flags}); err != nil {
			return &DeviceError{Op: fmt.Sprintf("set mode channel %d", i), Err: err}
		}
	}

	stop := make(chan struct{})
	c.stop = stop
	go c.dispatch(c.dev.Recv(), stop, time.Now(), onFrame)

	if err := c.dev.StartTransfers(); err != nil {
		close(stop)
		c.stop = nil
		return &DeviceError{Op: "start transfers", Err: err}
	}
	c.running = true
	return nil
}

// Stop takes every enabled channel off bus and signals the dispatcher to
// shut down. Frames the device queued before the stop are still delivered.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}

	for i, ch := range c.channels {
		if !ch.Enabled {
			continue
		}
		if err := c.dev.SetMode(uint16(i), Mode{Mode: ModeReset}); err != nil {
			return &DeviceError{Op: fmt.Sprintf("set mode channel %d", i), Err: err}
		}
	}
	if err := c.dev.StopTransfers(); err != nil {
		return &DeviceError{Op: "stop transfers", Err: err}
	}

	c.running = false
	close(c.stop)
	c.stop = nil
	return nil
}

// Send transmits a frame. The device echoes it back with the loopback
// flag set once it made it onto the bus.
func (c *Client) Send(f Frame) error {
	if !c.Running() {
		return ErrNotRunning
	}
	if err := c.dev.Send(f.hostFrame()); err != nil {
		return &DeviceError{Op: "send", Err: err}
	}
	return nil
}

// Close stops the device if it is running and tears down the transport.
func (c *Client) Close() error {
	if c.Running() {
		if err := c.Stop(); err != nil {
			c.onMessage(fmt.Sprintf("stop on close: %v", err))
		}
	}
	return c.dev.Close()
}

// dispatch is the per session receive loop. It races the stop signal
// against the inbound source so Stop deterministically unblocks it. On
// stop, frames already queued are drained in arrival order before exiting.
// A closed inbound source means the transport was torn down; the loop ends
// silently and the absence of further callbacks is the only signal.
func (c *Client) dispatch(rx <-chan HostFrame, stop <-chan struct{}, start time.Time, onFrame func(Frame)) {
	if c.debug {
		defer log.Println("dispatcher exited")
	}
	for {
		select {
		case <-stop:
			for {
				select {
				case hf, ok := <-rx:
					if !ok {
						return
					}
					onFrame(frameFromHost(hf, time.Since(start)))
				default:
					return
				}
			}
		case hf, ok := <-rx:
			if !ok {
				return
			}
			onFrame(frameFromHost(hf, time.Since(start)))
		}
	}
}
