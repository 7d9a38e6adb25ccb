package schema

import "math"

// EPA PM2.5 AQI breakpoints (2012 revision), concentration in µg/m³.
type aqiBreakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

var pm25Breakpoints = []aqiBreakpoint{
	{0.0, 12.0, 0, 50},
	{12.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 150.4, 151, 200},
	{150.5, 250.4, 201, 300},
	{250.5, 350.4, 301, 400},
	{350.5, 500.4, 401, 500},
}

// AQIFromPM25 computes the US EPA air-quality index for a PM2.5
// concentration. Concentrations beyond the top breakpoint clamp to 500.
func AQIFromPM25(concentration float64) float64 {
	if concentration < 0 {
		concentration = 0
	}
	c := math.Trunc(concentration*10) / 10
	for _, bp := range pm25Breakpoints {
		if c <= bp.cHigh {
			return math.Round((bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow)
		}
	}
	return 500
}
