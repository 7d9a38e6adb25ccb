// Package schema defines the closed set of sensor-model families the pipeline
// understands and how each family's wire payload maps onto a canonical
// reading.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/craftedclimate/telemetry/internal/models"
)

var (
	ErrMissingTimestamp = errors.New("reading is missing mandatory timestamp")
	ErrUnknownVariant   = errors.New("unknown sensor-model variant")
)

// Variant describes one sensor-model family: where its flushed readings land
// and how a raw payload becomes a canonical reading.
type Variant struct {
	Name    string
	Table   string
	Columns []string
	Map     func(payload []byte) (*models.CanonicalReading, error)
	Args    func(r *models.CanonicalReading) []any
	Dest    func(r *models.CanonicalReading) []any
}

const (
	VariantEnv     = "env"
	VariantAqua    = "aqua"
	VariantGasSolo = "gas-solo"
)

var variants = map[string]*Variant{
	VariantEnv: {
		Name:    VariantEnv,
		Table:   "readings_env",
		Columns: []string{"auid", "ts", "temperature", "humidity", "pressure", "pm2_5", "pm10", "aqi", "error_code"},
		Map:     mapEnv,
		Args: func(r *models.CanonicalReading) []any {
			return []any{r.AUID, r.Timestamp, r.Temperature, r.Humidity, r.Pressure, r.PM25, r.PM10, r.AQI, r.ErrorCode}
		},
		Dest: func(r *models.CanonicalReading) []any {
			return []any{&r.AUID, &r.Timestamp, &r.Temperature, &r.Humidity, &r.Pressure, &r.PM25, &r.PM10, &r.AQI, &r.ErrorCode}
		},
	},
	VariantAqua: {
		Name:    VariantAqua,
		Table:   "readings_aqua",
		Columns: []string{"auid", "ts", "water_temp", "ph", "tds", "turbidity", "error_code"},
		Map:     mapAqua,
		Args: func(r *models.CanonicalReading) []any {
			return []any{r.AUID, r.Timestamp, r.WaterTemp, r.PH, r.TDS, r.Turbidity, r.ErrorCode}
		},
		Dest: func(r *models.CanonicalReading) []any {
			return []any{&r.AUID, &r.Timestamp, &r.WaterTemp, &r.PH, &r.TDS, &r.Turbidity, &r.ErrorCode}
		},
	},
	VariantGasSolo: {
		Name:    VariantGasSolo,
		Table:   "readings_gas_solo",
		Columns: []string{"auid", "ts", "co2", "tvoc", "error_code"},
		Map:     mapGasSolo,
		Args: func(r *models.CanonicalReading) []any {
			return []any{r.AUID, r.Timestamp, r.CO2, r.TVOC, r.ErrorCode}
		},
		Dest: func(r *models.CanonicalReading) []any {
			return []any{&r.AUID, &r.Timestamp, &r.CO2, &r.TVOC, &r.ErrorCode}
		},
	},
}

// VariantFor resolves a model tag to its variant definition.
func VariantFor(name string) (*Variant, error) {
	v, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// Names returns the closed set of variant tags.
func Names() []string {
	return []string{VariantEnv, VariantAqua, VariantGasSolo}
}

type envPayload struct {
	DeviceID  string   `json:"deviceId"`
	Timestamp int64    `json:"ts"`
	Temp      *float64 `json:"temp"`
	Humidity  *float64 `json:"humidity"`
	Pressure  *float64 `json:"pressure"`
	PM25      *float64 `json:"pm2_5"`
	PM10      *float64 `json:"pm10"`
	Err       string   `json:"err"`
}

func mapEnv(payload []byte) (*models.CanonicalReading, error) {
	var p envPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode env payload: %w", err)
	}
	if p.Timestamp == 0 {
		return nil, ErrMissingTimestamp
	}

	r := &models.CanonicalReading{
		Model:       VariantEnv,
		Timestamp:   p.Timestamp,
		Temperature: p.Temp,
		Humidity:    p.Humidity,
		Pressure:    p.Pressure,
		PM25:        p.PM25,
		PM10:        p.PM10,
		ErrorCode:   p.Err,
	}
	if p.PM25 != nil {
		aqi := AQIFromPM25(*p.PM25)
		r.AQI = &aqi
	}
	return r, nil
}

type aquaPayload struct {
	DeviceID  string   `json:"deviceId"`
	Timestamp int64    `json:"ts"`
	WaterTemp *float64 `json:"waterTemp"`
	PH        *float64 `json:"ph"`
	TDS       *float64 `json:"tds"`
	Turbidity *float64 `json:"turbidity"`
	Err       string   `json:"err"`
}

func mapAqua(payload []byte) (*models.CanonicalReading, error) {
	var p aquaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode aqua payload: %w", err)
	}
	if p.Timestamp == 0 {
		return nil, ErrMissingTimestamp
	}

	return &models.CanonicalReading{
		Model:     VariantAqua,
		Timestamp: p.Timestamp,
		WaterTemp: p.WaterTemp,
		PH:        p.PH,
		TDS:       p.TDS,
		Turbidity: p.Turbidity,
		ErrorCode: p.Err,
	}, nil
}

type gasSoloPayload struct {
	DeviceID  string   `json:"deviceId"`
	Timestamp int64    `json:"ts"`
	CO2       *float64 `json:"co2"`
	TVOC      *float64 `json:"tvoc"`
	Err       string   `json:"err"`
}

func mapGasSolo(payload []byte) (*models.CanonicalReading, error) {
	var p gasSoloPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode gas-solo payload: %w", err)
	}
	if p.Timestamp == 0 {
		return nil, ErrMissingTimestamp
	}

	return &models.CanonicalReading{
		Model:     VariantGasSolo,
		Timestamp: p.Timestamp,
		CO2:       p.CO2,
		TVOC:      p.TVOC,
		ErrorCode: p.Err,
	}, nil
}
