package hub

import (
	"encoding/json"
	"time"

	"tracknet.dev/livetrack/internal/track"
)

// Wire event names. Devices produce location_update; everything else is
// hub-pushed.
const (
	EvLocationUpdate  = "location_update"
	EvLocationSaved   = "location_saved"
	EvLocationError   = "location_error"
	EvRateLimited     = "rate_limited"
	EvRequestLocation = "request_current_location"

	EvDeviceOnline     = "device_online"
	EvDeviceOffline    = "device_offline"
	EvLocationUpdated  = "location_updated"
	EvInitialLocations = "initial_locations"
)

// Envelope frames every message after the handshake.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalEvent encodes a typed payload into a wire frame.
func MarshalEvent(typ string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

// SavedAck is the private reply to the originating device. Saved
// reflects the persist decision only, never the eventual write outcome.
type SavedAck struct {
	Timestamp  time.Time `json:"timestamp"`
	Saved      bool      `json:"saved"`
	LocationID *string   `json:"location_id"`
	Warning    string    `json:"warning,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type PresenceEvent struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationUpdated fans out to the user's subscriber group. It doubles
// as the element type of the initial_locations batch.
type LocationUpdated struct {
	UserID     string                `json:"user_id"`
	DeviceID   string                `json:"device_id"`
	IsTracking bool                  `json:"is_tracking"`
	IsOnline   bool                  `json:"is_online"`
	Location   *track.LocationSample `json:"location"`
	Warning    string                `json:"warning,omitempty"`
}
