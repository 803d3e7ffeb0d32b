package store

import (
	"context"
	"errors"
	"time"

	"tracknet.dev/livetrack/internal/track"
)

// The hub treats persistence as an opaque collaborator: a token
// verifier, a device/session lookup store and an append-only location
// history. Implementations live under impl-specific subpackages.

var ErrTokenNotFound = errors.New("token not found or expired")

type DeviceRecord struct {
	DeviceID     string                `json:"device_id"`
	UserID       string                `json:"user_id"`
	Name         string                `json:"name"`
	IsOnline     bool                  `json:"is_online"`
	IsTracking   bool                  `json:"is_tracking"`
	LastLocation *track.LocationSample `json:"last_location,omitempty"`
}

type DeviceStatus struct {
	IsOnline   bool
	IsTracking bool
}

// LocationRecord is one durable history row. The id is assigned by the
// hub before the write is handed off, so acknowledgments never wait on
// the store.
type LocationRecord struct {
	ID         string
	UserID     string
	DeviceID   string
	SessionID  string
	Sample     track.LocationSample
	IsActive   bool
	ServerTime time.Time
}

type TokenVerifier interface {
	// VerifyToken resolves a connection token to a user id, or fails
	// with ErrTokenNotFound for unknown/expired tokens.
	VerifyToken(ctx context.Context, token string) (string, error)
}

type DeviceStore interface {
	// FindDevice returns nil with no error when the pairing does not exist.
	FindDevice(ctx context.Context, userID, deviceID string) (*DeviceRecord, error)
	// FindSessionID returns the most recent active session id for the
	// pairing, or empty when there is none.
	FindSessionID(ctx context.Context, userID, deviceID string) (string, error)
	ListDevices(ctx context.Context, userID string) ([]DeviceRecord, error)
	UpdateLastLocation(ctx context.Context, deviceID string, s *track.LocationSample) error
	SetOnlineStatus(ctx context.Context, deviceID string, st DeviceStatus) error
}

type LocationStore interface {
	// SaveLocation enqueues one history row. The call must not block on
	// the backing store; write failures are the implementation's to log.
	SaveLocation(rec *LocationRecord)
}
