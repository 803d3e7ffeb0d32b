package track

import "time"

type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkUnknown  NetworkType = "unknown"
)

// Coordinate is a single raw position reading. Optional sensor fields
// are pointers so that "absent" and "zero" stay distinguishable on the
// wire.
type Coordinate struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Altitude         *float64 `json:"altitude,omitempty"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
	AltitudeAccuracy *float64 `json:"altitude_accuracy,omitempty"`
	Heading          *float64 `json:"heading,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`
}

// LocationSample is one transmitted update from a device.
type LocationSample struct {
	DeviceID     string      `json:"device_id"`
	Coordinates  *Coordinate `json:"coordinates"`
	Timestamp    time.Time   `json:"timestamp"`
	BatteryLevel int         `json:"battery_level"`
	NetworkType  NetworkType `json:"network_type"`
}

// ClampBattery forces the reported battery level into [0,100].
func (s *LocationSample) ClampBattery() {
	if s.BatteryLevel < 0 {
		s.BatteryLevel = 0
	} else if s.BatteryLevel > 100 {
		s.BatteryLevel = 100
	}
}

// NormalizeNetwork maps unknown network type strings to NetworkUnknown.
func (s *LocationSample) NormalizeNetwork() {
	switch s.NetworkType {
	case NetworkWifi, NetworkCellular:
	default:
		s.NetworkType = NetworkUnknown
	}
}

type ValidationResult struct {
	Valid   bool
	Reason  string
	Warning string
}
