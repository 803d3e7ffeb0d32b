package auth

import (
	"context"
	"errors"

	"github.com/phuslu/log"
	"tracknet.dev/livetrack/internal/store"
)

type Role int

const (
	RoleDevice Role = iota + 1
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Credentials is what a new connection presents before any event
// handling is wired.
type Credentials struct {
	Token      string
	DeviceID   string
	Subscriber bool
}

// Identity is the tagged result of authentication. The role is decided
// here exactly once and carried immutably for the connection lifetime.
type Identity struct {
	UserID    string
	DeviceID  string
	SessionID string
	Role      Role
}

func (id *Identity) MarshalObject(e *log.Entry) {
	e.Str("user_id", id.UserID).Str("role", id.Role.String())
	if id.DeviceID != "" {
		e.Str("device_id", id.DeviceID)
	}
}

var (
	ErrMissingToken   = errors.New("missing auth token")
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrDeviceNotOwned = errors.New("device not registered to user")
)

// Authenticator resolves connection credentials against the external
// token and device stores.
type Authenticator struct {
	tokens  store.TokenVerifier
	devices store.DeviceStore
	log     log.Logger
}

func New(tokens store.TokenVerifier, devices store.DeviceStore) *Authenticator {
	a := &Authenticator{tokens: tokens, devices: devices}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "auth").Value()
	return a
}

// Authenticate verifies the token, and for device credentials confirms
// the device belongs to the resolved user. Any failure rejects the
// connection before it reaches the hub.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.Token == "" {
		return nil, ErrMissingToken
	}
	userID, err := a.tokens.VerifyToken(ctx, creds.Token)
	if err != nil {
		if !errors.Is(err, store.ErrTokenNotFound) {
			a.log.Error().Err(err).Msg("token verification failed")
		}
		return nil, ErrInvalidToken
	}
	if creds.DeviceID == "" || creds.Subscriber {
		return &Identity{UserID: userID, Role: RoleSubscriber}, nil
	}
	rec, err := a.devices.FindDevice(ctx, userID, creds.DeviceID)
	if err != nil {
		a.log.Error().Err(err).Str("device_id", creds.DeviceID).Msg("device lookup failed")
		return nil, err
	}
	if rec == nil {
		return nil, ErrDeviceNotOwned
	}
	sessionID, err := a.devices.FindSessionID(ctx, userID, creds.DeviceID)
	if err != nil {
		a.log.Warn().Err(err).Str("device_id", creds.DeviceID).Msg("session lookup failed")
		sessionID = ""
	}
	return &Identity{UserID: userID, DeviceID: creds.DeviceID, SessionID: sessionID, Role: RoleDevice}, nil
}
