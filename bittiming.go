package gsusb

import "math"

// BitTiming holds the hardware bit timing register fields for one channel.
// One bit period is PropSeg+PhaseSeg1+PhaseSeg2+1 time quanta, each quantum
// being BRP system clock cycles.
type BitTiming struct {
	BRP       uint32
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
}

const (
	maxBRP    = 32
	minSeg1   = 3
	maxSeg1   = 18
	minSeg2   = 2
	maxSeg2   = 8
	minQuanta = 4
	maxQuanta = 32
)

// Tolerance ladder for the quantization error, tried in order. Exact
// divisions win over approximations.
var bitrateTolerances = []float64{0, 0.1 / 100, 0.5 / 100}

// CalculateBitTiming finds bit timing register values approximating the
// requested bitrate on a controller running at clock Hz. The first
// admissible solution within the tightest tolerance wins. Returns
// *InvalidBitrateError when no solution exists within 0.5%.
func CalculateBitTiming(clock, bitrate uint32) (BitTiming, error) {
	if bitrate == 0 {
		return BitTiming{}, &InvalidBitrateError{Bitrate: bitrate}
	}
	tmp := float64(clock) / float64(bitrate)
	for _, tolerance := range bitrateTolerances {
		for brp := uint32(1); brp <= maxBRP; brp++ {
			btq := tmp / float64(brp)
			rounded := math.Round(btq)
			if rounded < minQuanta || rounded > maxQuanta {
				continue
			}
			if math.Abs(btq/rounded-1) > tolerance {
				continue
			}
			quanta := uint32(rounded)
			for seg1 := uint32(minSeg1); seg1 < maxSeg1; seg1++ {
				if seg1+1 >= quanta {
					break
				}
				// one quantum is consumed by the sync segment
				seg2 := quanta - seg1 - 1
				if seg2 < minSeg2 || seg2 > maxSeg2 {
					continue
				}
				return BitTiming{
					BRP:       brp,
					PropSeg:   0,
					PhaseSeg1: seg1,
					PhaseSeg2: seg2,
					SJW:       1,
				}, nil
			}
		}
	}
	return BitTiming{}, &InvalidBitrateError{Bitrate: bitrate}
}

// EffectiveBitrate returns the actual bitrate the given timing yields on a
// controller running at clock Hz.
func EffectiveBitrate(clock uint32, bt BitTiming) uint32 {
	return clock / bt.BRP / (bt.PropSeg + bt.PhaseSeg1 + bt.PhaseSeg2 + 1)
}
