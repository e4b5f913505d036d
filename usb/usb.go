// Package usb implements the gs_usb device transport on top of libusb.
package usb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"

	"github.com/roffe/gsusb"
)

// gs_usb vendor control requests.
const (
	breqHostFormat   = 0
	breqBitTiming    = 1
	breqMode         = 2
	breqBerr         = 3
	breqBTConst      = 4
	breqDeviceConfig = 5
)

// Sent to the device once at setup so it knows the host byte order.
const hostFormatMagic = 0x0000beef

const (
	deviceConfigSize = 12
	btConstSize      = 40
	modeSize         = 8
	bitTimingSize    = 20
)

const (
	reqTypeOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface
	reqTypeIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlInterface
)

var knownDevices = []struct {
	vid, pid gousb.ID
}{
	{0x1d50, 0x606f}, // CANtact, Geschwister Schneider gs_usb
	{0x1209, 0x2323}, // candleLight
}

type Opts func(*Device) error

// OptDebug enables verbose logging of the transfer loop lifecycle.
func OptDebug(enabled bool) Opts {
	return func(d *Device) error {
		d.debug = enabled
		return nil
	}
}

// Device is the gousb backed transport for gs_usb adapters. It binds to
// the first matching device found on the system.
type Device struct {
	usbCtx *gousb.Context
	dev    *gousb.Device
	devCfg *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint

	rx chan gsusb.HostFrame

	mu       sync.Mutex
	cancelRx context.CancelFunc
	rxGroup  *errgroup.Group

	closeOnce sync.Once
	debug     bool
}

var _ gsusb.Transport = (*Device)(nil)

// New finds and opens the first gs_usb device. Open is retried a few
// times since devices re-enumerate slowly after a reset. Returns
// gsusb.ErrDeviceNotFound when nothing matches.
func New(ctx context.Context, opts ...Opts) (*Device, error) {
	d := &Device{
		rx: make(chan gsusb.HostFrame, 1024),
	}
	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}

	d.usbCtx = gousb.NewContext()
	err := retry.Do(
		d.open,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		d.usbCtx.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) open() error {
	for _, id := range knownDevices {
		dev, err := d.usbCtx.OpenDeviceWithVIDPID(id.vid, id.pid)
		if err != nil {
			if dev != nil {
				dev.Close()
			}
			continue
		}
		if dev == nil {
			continue
		}
		d.dev = dev
		break
	}
	if d.dev == nil {
		return gsusb.ErrDeviceNotFound
	}

	if err := d.dev.SetAutoDetach(true); err != nil && d.debug {
		log.Printf("failed to set auto detach: %v", err)
	}

	var err error
	d.devCfg, err = d.dev.Config(1)
	if err != nil {
		d.dev.Close()
		d.dev = nil
		return fmt.Errorf("device config: %w", err)
	}

	d.iface, err = d.devCfg.Interface(0, 0)
	if err != nil {
		d.devCfg.Close()
		d.dev.Close()
		d.devCfg, d.dev = nil, nil
		return fmt.Errorf("claim interface: %w", err)
	}

	d.in, err = d.iface.InEndpoint(1)
	if err != nil {
		d.closePartial()
		return fmt.Errorf("InEndpoint(1): %w", err)
	}
	d.out, err = d.iface.OutEndpoint(2)
	if err != nil {
		d.closePartial()
		return fmt.Errorf("OutEndpoint(2): %w", err)
	}

	// declare host byte order before anything else
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], hostFormatMagic)
	if _, err := d.dev.Control(reqTypeOut, breqHostFormat, 1, 0, buf[:]); err != nil {
		d.closePartial()
		return fmt.Errorf("host format: %w", err)
	}
	return nil
}

func (d *Device) closePartial() {
	if d.iface != nil {
		d.iface.Close()
		d.iface = nil
	}
	if d.devCfg != nil {
		d.devCfg.Close()
		d.devCfg = nil
	}
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	d.in, d.out = nil, nil
}

// DeviceConfig reads the device descriptor.
func (d *Device) DeviceConfig() (gsusb.DeviceConfig, error) {
	buf := make([]byte, deviceConfigSize)
	n, err := d.dev.Control(reqTypeIn, breqDeviceConfig, 1, 0, buf)
	if err != nil {
		return gsusb.DeviceConfig{}, wrapUSBError("device config", err)
	}
	if n < deviceConfigSize {
		return gsusb.DeviceConfig{}, fmt.Errorf("short device config read: %d bytes", n)
	}
	return gsusb.DeviceConfig{
		IfaceCount: buf[3],
		SWVersion:  binary.LittleEndian.Uint32(buf[4:8]),
		HWVersion:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// BitTimingConsts reads the bit timing constraints.
func (d *Device) BitTimingConsts() (gsusb.BitTimingConsts, error) {
	buf := make([]byte, btConstSize)
	n, err := d.dev.Control(reqTypeIn, breqBTConst, 0, 0, buf)
	if err != nil {
		return gsusb.BitTimingConsts{}, wrapUSBError("bit timing constants", err)
	}
	if n < btConstSize {
		return gsusb.BitTimingConsts{}, fmt.Errorf("short bt_const read: %d bytes", n)
	}
	le := binary.LittleEndian
	return gsusb.BitTimingConsts{
		Feature:  le.Uint32(buf[0:4]),
		CANClock: le.Uint32(buf[4:8]),
		TSeg1Min: le.Uint32(buf[8:12]),
		TSeg1Max: le.Uint32(buf[12:16]),
		TSeg2Min: le.Uint32(buf[16:20]),
		TSeg2Max: le.Uint32(buf[20:24]),
		SJWMax:   le.Uint32(buf[24:28]),
		BRPMin:   le.Uint32(buf[28:32]),
		BRPMax:   le.Uint32(buf[32:36]),
		BRPInc:   le.Uint32(buf[36:40]),
	}, nil
}

// SetMode issues a mode word to the given channel.
func (d *Device) SetMode(channel uint16, mode gsusb.Mode) error {
	buf := make([]byte, modeSize)
	binary.LittleEndian.PutUint32(buf[0:4], mode.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], mode.Flags)
	if _, err := d.dev.Control(reqTypeOut, breqMode, channel, 0, buf); err != nil {
		return wrapUSBError("set mode", err)
	}
	return nil
}

// SetBitTiming programs the timing registers of the given channel.
func (d *Device) SetBitTiming(channel uint16, bt gsusb.BitTiming) error {
	buf := make([]byte, bitTimingSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], bt.PropSeg)
	le.PutUint32(buf[4:8], bt.PhaseSeg1)
	le.PutUint32(buf[8:12], bt.PhaseSeg2)
	le.PutUint32(buf[12:16], bt.SJW)
	le.PutUint32(buf[16:20], bt.BRP)
	if _, err := d.dev.Control(reqTypeOut, breqBitTiming, channel, 0, buf); err != nil {
		return wrapUSBError("set bit timing", err)
	}
	return nil
}

// Send writes one host frame to the bulk out endpoint.
func (d *Device) Send(hf gsusb.HostFrame) error {
	buf, err := hf.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.out.WriteContext(ctx, buf); err != nil {
		return wrapUSBError("bulk write", err)
	}
	return nil
}

// StartTransfers launches the continuous bulk in reader. Already running
// transfers are left alone.
func (d *Device) StartTransfers() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelRx != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	d.cancelRx = cancel
	d.rxGroup = g
	g.Go(func() error {
		return d.rxLoop(gctx)
	})
	return nil
}

// StopTransfers halts the bulk in reader and waits for it to exit. The
// receive channel stays open, Close tears it down for good.
func (d *Device) StopTransfers() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelRx == nil {
		return nil
	}
	d.cancelRx()
	err := d.rxGroup.Wait()
	d.cancelRx = nil
	d.rxGroup = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Device) rxLoop(ctx context.Context) error {
	if d.debug {
		defer log.Println("rx loop exited")
	}
	size := d.in.Desc.MaxPacketSize
	if size < gsusb.HostFrameSize {
		size = gsusb.HostFrameSize
	}
	buf := make([]byte, size)
	for {
		n, err := d.in.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, gousb.ErrorTimeout) {
				continue
			}
			return fmt.Errorf("bulk read: %w", err)
		}
		for off := 0; off+gsusb.HostFrameSize <= n; off += gsusb.HostFrameSize {
			var hf gsusb.HostFrame
			if err := hf.UnmarshalBinary(buf[off : off+gsusb.HostFrameSize]); err != nil {
				continue
			}
			select {
			case d.rx <- hf:
			default:
				if d.debug {
					log.Println("rx channel full, dropped frame")
				}
			}
		}
	}
}

// Recv returns the inbound frame source. The channel is closed when the
// device is closed.
func (d *Device) Recv() <-chan gsusb.HostFrame {
	return d.rx
}

// Close halts transfers and releases the USB handles.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if err := d.StopTransfers(); err != nil && d.debug {
			log.Printf("stop transfers: %v", err)
		}
		close(d.rx)
		if d.iface != nil {
			d.iface.Close()
		}
		if d.devCfg != nil {
			if err := d.devCfg.Close(); err != nil && d.debug {
				log.Printf("failed to close device config: %v", err)
			}
		}
		if d.dev != nil {
			if err := d.dev.Close(); err != nil && d.debug {
				log.Printf("failed to close device: %v", err)
			}
		}
		if d.usbCtx != nil {
			if err := d.usbCtx.Close(); err != nil && d.debug {
				log.Printf("failed to close usb context: %v", err)
			}
		}
	})
	return nil
}

func wrapUSBError(op string, err error) error {
	if errors.Is(err, gousb.ErrorTimeout) {
		return gsusb.ErrTimeout
	}
	return fmt.Errorf("%s: %w", op, err)
}
