package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceRecord is a row in the device registry. Lookups on the ingestion path
// go through the metadata cache; the registry itself is only hit on a miss.
type DeviceRecord struct {
	ID         uuid.UUID  `json:"id"`
	DeviceID   string     `json:"device_id"` // manufacturing identifier printed on the unit
	AUID       string     `json:"auid"`      // stable account-scoped identifier
	Model      string     `json:"model"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	Public     bool       `json:"public"`
	Datapoints []string   `json:"datapoints"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// SensorModelDefinition is a row in the sensor-model catalog. The catalog
// changes rarely, so cached entries carry a long TTL.
type SensorModelDefinition struct {
	Name          string    `json:"name"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeviceSnapshot is the metadata slot stored alongside a device's buffered
// readings. The flush scheduler resolves the target durable table from this
// snapshot rather than calling back into the registry.
type DeviceSnapshot struct {
	AUID      string    `json:"auid"`
	DeviceID  string    `json:"device_id"`
	Model     string    `json:"model"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Public    bool      `json:"public"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)
