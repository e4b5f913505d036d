package gsusb

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu      sync.Mutex
	cfg     DeviceConfig
	consts  BitTimingConsts
	modes   map[int][]Mode
	timings map[int][]BitTiming
	sent    []HostFrame
	rx      chan HostFrame

	startCalls int
	stopCalls  int

	failSetMode error
	failStart   error
	failSend    error
	failConfig  error
	failConsts  error
}

func newFakeTransport(ifaceCount uint8) *fakeTransport {
	return &fakeTransport{
		cfg:     DeviceConfig{IfaceCount: ifaceCount, SWVersion: 2, HWVersion: 1},
		consts:  BitTimingConsts{CANClock: 24000000},
		modes:   make(map[int][]Mode),
		timings: make(map[int][]BitTiming),
		rx:      make(chan HostFrame, 64),
	}
}

func (ft *fakeTransport) DeviceConfig() (DeviceConfig, error) {
	if ft.failConfig != nil {
		return DeviceConfig{}, ft.failConfig
	}
	return ft.cfg, nil
}

func (ft *fakeTransport) BitTimingConsts() (BitTimingConsts, error) {
	if ft.failConsts != nil {
		return BitTimingConsts{}, ft.failConsts
	}
	return ft.consts, nil
}

func (ft *fakeTransport) SetMode(channel uint16, mode Mode) error {
	if ft.failSetMode != nil {
		return ft.failSetMode
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.modes[int(channel)] = append(ft.modes[int(channel)], mode)
	return nil
}

func (ft *fakeTransport) SetBitTiming(channel uint16, bt BitTiming) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.timings[int(channel)] = append(ft.timings[int(channel)], bt)
	return nil
}

func (ft *fakeTransport) Send(hf HostFrame) error {
	if ft.failSend != nil {
		return ft.failSend
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.sent = append(ft.sent, hf)
	return nil
}

func (ft *fakeTransport) StartTransfers() error {
	if ft.failStart != nil {
		return ft.failStart
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.startCalls++
	return nil
}

func (ft *fakeTransport) StopTransfers() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stopCalls++
	return nil
}

func (ft *fakeTransport) Recv() <-chan HostFrame {
	return ft.rx
}

func (ft *fakeTransport) Close() error {
	return nil
}

func (ft *fakeTransport) lastMode(channel int) (Mode, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	modes := ft.modes[channel]
	if len(modes) == 0 {
		return Mode{}, false
	}
	return modes[len(modes)-1], true
}

func TestNewChannelCount(t *testing.T) {
	c, err := New(newFakeTransport(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Channels(); got != 2 {
		t.Errorf("Channels() = %d, want 2", got)
	}
	ch, err := c.Channel(0)
	if err != nil {
		t.Fatalf("Channel(0): %v", err)
	}
	if !ch.Enabled || ch.Bitrate != 0 || ch.Loopback || ch.Monitor {
		t.Errorf("unexpected channel defaults: %+v", ch)
	}
}

func TestNewTransportFault(t *testing.T) {
	ft := newFakeTransport(0)
	ft.failConfig = errors.New("pipe error")
	if _, err := New(ft); err == nil {
		t.Fatal("expected error from failing device config read")
	}
	ft = newFakeTransport(0)
	ft.failConsts = errors.New("pipe error")
	_, err := New(ft)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeviceError, got %T", err)
	}
}

func TestChannelBounds(t *testing.T) {
	c, err := New(newFakeTransport(1)) // channels 0 and 1
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		name string
		call func(channel int) error
	}{
		{"SetBitrate", func(ch int) error { return c.SetBitrate(ch, 500000) }},
		{"SetBitTiming", func(ch int) error { return c.SetBitTiming(ch, BitTiming{BRP: 3, PhaseSeg1: 13, PhaseSeg2: 2, SJW: 1}) }},
		{"SetMonitor", func(ch int) error { return c.SetMonitor(ch, true) }},
		{"SetEnabled", func(ch int) error { return c.SetEnabled(ch, true) }},
		{"SetLoopback", func(ch int) error { return c.SetLoopback(ch, true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(1); err != nil {
				t.Errorf("highest valid index rejected: %v", err)
			}
			if err := tt.call(2); !errors.Is(err, ErrInvalidChannel) {
				t.Errorf("first out of range index: got %v, want ErrInvalidChannel", err)
			}
			if err := tt.call(-1); !errors.Is(err, ErrInvalidChannel) {
				t.Errorf("negative index: got %v, want ErrInvalidChannel", err)
			}
		})
	}
}

func TestStateGuards(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Send(NewFrame(0x123, nil)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send while stopped: got %v, want ErrNotRunning", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop while stopped: got %v, want ErrNotRunning", err)
	}

	if err := c.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.SetMonitor(0, true); !errors.Is(err, ErrRunning) {
		t.Errorf("SetMonitor while running: got %v, want ErrRunning", err)
	}
	if err := c.SetEnabled(0, false); !errors.Is(err, ErrRunning) {
		t.Errorf("SetEnabled while running: got %v, want ErrRunning", err)
	}
	if err := c.SetLoopback(0, true); !errors.Is(err, ErrRunning) {
		t.Errorf("SetLoopback while running: got %v, want ErrRunning", err)
	}
	if err := c.Start(nil); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start: got %v, want ErrRunning", err)
	}
	if ft.startCalls != 1 {
		t.Errorf("StartTransfers called %d times, want 1", ft.startCalls)
	}
}

func TestSetBitrateWhileRunning(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// timing registers can be reprogrammed without a bus reset
	if err := c.SetBitrate(0, 250000); err != nil {
		t.Fatalf("SetBitrate while running: %v", err)
	}
	ch, _ := c.Channel(0)
	if ch.Bitrate != 250000 {
		t.Errorf("requested bitrate not stored: %d", ch.Bitrate)
	}
	if len(ft.timings[0]) != 1 {
		t.Fatalf("timing pushed %d times, want 1", len(ft.timings[0]))
	}
	if got := EffectiveBitrate(24000000, ft.timings[0][0]); got != 250000 {
		t.Errorf("pushed timing yields %d bit/s, want 250000", got)
	}
}

func TestStartModeFlags(t *testing.T) {
	ft := newFakeTransport(2) // channels 0, 1 and 2
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SetMonitor(0, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLoopback(1, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetEnabled(2, false); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	mode, ok := ft.lastMode(0)
	if !ok || mode.Mode != ModeStart || mode.Flags != FeatureListenOnly {
		t.Errorf("channel 0 mode = %+v, want start with listen only", mode)
	}
	mode, ok = ft.lastMode(1)
	if !ok || mode.Mode != ModeStart || mode.Flags != FeatureLoopBack {
		t.Errorf("channel 1 mode = %+v, want start with loopback", mode)
	}
	if _, ok := ft.lastMode(2); ok {
		t.Error("disabled channel 2 got a mode word")
	}
}

func TestStopResetsModes(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mode, ok := ft.lastMode(0)
	if !ok || mode.Mode != ModeReset || mode.Flags != 0 {
		t.Errorf("channel 0 final mode = %+v, want reset", mode)
	}
	if ft.stopCalls != 1 {
		t.Errorf("StopTransfers called %d times, want 1", ft.stopCalls)
	}
	if c.Running() {
		t.Error("still running after Stop")
	}
}

func TestSendEncodes(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	f := NewExtendedFrame(0x18DAF110, []byte{0x02, 0x3E, 0x00})
	if err := c.Send(f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(ft.sent))
	}
	hf := ft.sent[0]
	if hf.EchoID == rxEchoID {
		t.Error("sent frame carries the receive sentinel echo id")
	}
	if hf.CANID != 0x18DAF110|extendedFlag {
		t.Errorf("can_id = 0x%X", hf.CANID)
	}
	if hf.DLC != 3 {
		t.Errorf("dlc = %d, want 3", hf.DLC)
	}
}

func TestSendTransportFault(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	cause := errors.New("endpoint stalled")
	ft.failSend = cause
	err = c.Send(NewFrame(0x123, nil))
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeviceError, got %T: %v", err, err)
	}
	if !errors.Is(err, cause) {
		t.Error("DeviceError does not wrap the transport cause")
	}
	ft.failSend = nil
}

func TestStartTransportFault(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ft.failSetMode = errors.New("device gone")
	err = c.Start(nil)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeviceError, got %T: %v", err, err)
	}
	if c.Running() {
		t.Error("running after failed Start")
	}

	// a transient fault must not wedge the session for good
	ft.failSetMode = nil
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start after cleared fault: %v", err)
	}
	c.Stop()
}

func TestStartTransfersFaultRollsBack(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ft.failStart = errors.New("submit failed")
	err = c.Start(nil)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeviceError, got %T: %v", err, err)
	}
	if c.Running() {
		t.Error("running after failed StartTransfers")
	}
	ft.failStart = nil
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start after cleared fault: %v", err)
	}
	c.Stop()
}

func TestDispatchFIFO(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := make(chan Frame, 16)
	if err := c.Start(func(f Frame) { got <- f }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		ft.rx <- HostFrame{EchoID: rxEchoID, CANID: uint32(0x100 + i)}
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// frames queued before the stop are all delivered, in arrival order
	for i := 0; i < n; i++ {
		select {
		case f := <-got:
			if f.Identifier != uint32(0x100+i) {
				t.Fatalf("frame %d: identifier 0x%X, want 0x%X", i, f.Identifier, 0x100+i)
			}
			if f.Loopback {
				t.Errorf("frame %d flagged as loopback", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
	select {
	case f := <-got:
		t.Fatalf("unexpected extra frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoCallbackAfterSourceClosed(t *testing.T) {
	ft := newFakeTransport(0)
	c, err := New(ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := make(chan Frame, 16)
	if err := c.Start(func(f Frame) { got <- f }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ft.rx <- HostFrame{EchoID: rxEchoID, CANID: 0x100}
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("frame before closure not delivered")
	}

	// transport teardown: the dispatcher terminates silently
	close(ft.rx)
	select {
	case f := <-got:
		t.Fatalf("callback after source closure: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop after closure: %v", err)
	}
}
