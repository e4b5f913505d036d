package gsusb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Frame is a classic CAN 2.0 frame as sent to or received from the device.
type Frame struct {
	// Arbitration identifier, 11 bit standard or 29 bit extended.
	Identifier uint32
	// Data length code, 0-8.
	DLC uint8
	// Device channel the frame was sent or received on.
	Channel uint8
	Data    [8]byte
	// Extended (29 bit) identifier if true, standard (11 bit) if false.
	Extended bool
	// Remote transmission request.
	RTR bool
	// CAN-FD frame. Always false, FD payloads are not implemented.
	FD bool
	// Set on received frames that are echoes of frames sent by this device.
	Loopback bool
	// Time since Start() when the frame was received. Zero on frames
	// built by the caller for sending.
	Timestamp time.Duration
}

// NewFrame creates a Frame and copies up to 8 bytes of data. Identifiers
// above 0x7FF are flagged as extended.
func NewFrame(identifier uint32, data []byte) Frame {
	f := Frame{
		Identifier: identifier & frameIDMask,
		Extended:   identifier > maxStandardID,
	}
	f.DLC = uint8(min(len(data), 8))
	copy(f.Data[:], data)
	return f
}

// NewExtendedFrame creates a Frame with the extended identifier flag set.
func NewExtendedFrame(identifier uint32, data []byte) Frame {
	f := NewFrame(identifier, data)
	f.Extended = true
	return f
}

const maxStandardID = 0x7FF

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f Frame) flagString() string {
	var flags []string
	if f.Extended {
		flags = append(flags, "ext")
	}
	if f.RTR {
		flags = append(flags, "rtr")
	}
	if f.Loopback {
		flags = append(flags, "echo")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// payload returns the valid data bytes. Wire frames can advertise a dlc
// above 8, clamp instead of trusting it.
func (f Frame) payload() []byte {
	return f.Data[:min(int(f.DLC), 8)]
}

func (f Frame) String() string {
	data := f.payload()
	var out strings.Builder
	out.WriteString("ch" + strconv.Itoa(int(f.Channel)) + " || ")
	out.WriteString(fmt.Sprintf("0x%03X", f.Identifier) + " || ")
	out.WriteString(strconv.Itoa(int(f.DLC)) + " || ")
	var hexView strings.Builder
	for i, b := range data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(fmt.Sprintf("%-8s", f.flagString()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(data))
	return out.String()
}

func (f Frame) ColorString() string {
	data := f.payload()
	var out strings.Builder
	out.WriteString("ch" + strconv.Itoa(int(f.Channel)) + " || ")
	out.WriteString(green("0x%03X", f.Identifier) + " || ")
	out.WriteString(strconv.Itoa(int(f.DLC)) + " || ")
	var hexView strings.Builder
	for i, b := range data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(red(fmt.Sprintf("%-23s", hexView.String())))
	out.WriteString(" || ")
	out.WriteString(fmt.Sprintf("%-8s", f.flagString()))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
