package gsusb

// CAN channel mode commands.
const (
	ModeReset uint32 = 0
	ModeStart uint32 = 1
)

// Hardware feature flags, OR'd into Mode.Flags when starting a channel.
const (
	FeatureListenOnly   uint32 = 1 << 0
	FeatureLoopBack     uint32 = 1 << 1
	FeatureTripleSample uint32 = 1 << 2
	FeatureOneShot      uint32 = 1 << 3
	FeatureHWTimestamp  uint32 = 1 << 4
)

// Mode is the per channel mode word sent to the device.
type Mode struct {
	Mode  uint32
	Flags uint32
}

// DeviceConfig is the device descriptor read once at setup.
type DeviceConfig struct {
	// Highest channel index, zero indexed (0 = 1 channel, 1 = 2 channels).
	IfaceCount uint8
	SWVersion  uint32
	HWVersion  uint32
}

// BitTimingConsts are the bit timing constraints the device reports.
type BitTimingConsts struct {
	Feature  uint32
	CANClock uint32
	TSeg1Min uint32
	TSeg1Max uint32
	TSeg2Min uint32
	TSeg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

// Transport is the device access layer the Client drives. The usb package
// provides the gousb backed implementation.
//
// Recv returns the inbound frame source. The channel carries frames while
// transfers are running and is closed permanently when the transport is
// torn down.
type Transport interface {
	DeviceConfig() (DeviceConfig, error)
	BitTimingConsts() (BitTimingConsts, error)
	SetMode(channel uint16, mode Mode) error
	SetBitTiming(channel uint16, bt BitTiming) error
	Send(hf HostFrame) error
	StartTransfers() error
	StopTransfers() error
	Recv() <-chan HostFrame
	Close() error
}
