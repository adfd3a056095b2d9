package fielddevice

import "math"

// SolarProfile samples one day of solar output as a bell curve centred on
// noon with a two hour standard deviation, scaled so that noon yields peak
// milliwatts.
func SolarProfile(samples int, peak float64) []uint16 {
	if samples < 2 {
		samples = 2
	}
	const (
		mean  = 12.0
		sigma = 2.0
	)
	out := make([]uint16, samples)
	for i := range out {
		hour := 24 * float64(i) / float64(samples-1)
		v := peak * math.Exp(-(hour-mean)*(hour-mean)/(2*sigma*sigma))
		out[i] = uint16(math.Min(math.Round(v), math.MaxUint16))
	}
	return out
}
