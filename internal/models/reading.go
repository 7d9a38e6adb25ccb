package models

// CanonicalReading is a normalized, model-typed telemetry record. It is
// produced by the mapping worker, buffered in the write-back cache keyed by
// auid+timestamp, and relocated into the model's durable table by a flush
// cycle.
//
// Fields not carried by a given sensor model stay nil and map to NULL columns.
type CanonicalReading struct {
	AUID      string `json:"auid"`
	Model     string `json:"model"`
	Timestamp int64  `json:"ts"` // unix milliseconds, supplied by the device

	// env family
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	PM25        *float64 `json:"pm2_5,omitempty"`
	PM10        *float64 `json:"pm10,omitempty"`
	AQI         *float64 `json:"aqi,omitempty"`

	// aqua family
	WaterTemp *float64 `json:"water_temp,omitempty"`
	PH        *float64 `json:"ph,omitempty"`
	TDS       *float64 `json:"tds,omitempty"`
	Turbidity *float64 `json:"turbidity,omitempty"`

	// gas-solo family
	CO2  *float64 `json:"co2,omitempty"`
	TVOC *float64 `json:"tvoc,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
}
