package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracknet.dev/livetrack/internal/store"
	"tracknet.dev/livetrack/internal/track"
)

type fakeBackend struct {
	tokens     map[string]string
	devices    map[string]string // deviceID -> owning userID
	sessions   map[string]string // deviceID -> sessionID
	sessionErr error
}

func (f *fakeBackend) VerifyToken(_ context.Context, token string) (string, error) {
	if uid, ok := f.tokens[token]; ok {
		return uid, nil
	}
	return "", store.ErrTokenNotFound
}

func (f *fakeBackend) FindDevice(_ context.Context, userID, deviceID string) (*store.DeviceRecord, error) {
	if f.devices[deviceID] == userID {
		return &store.DeviceRecord{DeviceID: deviceID, UserID: userID}, nil
	}
	return nil, nil
}

func (f *fakeBackend) FindSessionID(_ context.Context, _, deviceID string) (string, error) {
	if f.sessionErr != nil {
		return "", f.sessionErr
	}
	return f.sessions[deviceID], nil
}

func (f *fakeBackend) ListDevices(_ context.Context, _ string) ([]store.DeviceRecord, error) {
	return nil, nil
}

func (f *fakeBackend) UpdateLastLocation(_ context.Context, _ string, _ *track.LocationSample) error {
	return nil
}

func (f *fakeBackend) SetOnlineStatus(_ context.Context, _ string, _ store.DeviceStatus) error {
	return nil
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokens:   map[string]string{"tok-alice": "alice"},
		devices:  map[string]string{"phone-1": "alice"},
		sessions: map[string]string{"phone-1": "sess-9"},
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	a := New(newFakeBackend(), newFakeBackend())
	_, err := a.Authenticate(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestAuthenticateInvalidToken(t *testing.T) {
	a := New(newFakeBackend(), newFakeBackend())
	_, err := a.Authenticate(context.Background(), Credentials{Token: "tok-nobody"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateSubscriberByDefault(t *testing.T) {
	a := New(newFakeBackend(), newFakeBackend())
	id, err := a.Authenticate(context.Background(), Credentials{Token: "tok-alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, RoleSubscriber, id.Role)
	assert.Empty(t, id.DeviceID)
}

func TestAuthenticateSubscriberFlagWins(t *testing.T) {
	// A connection that asks to subscribe stays a subscriber even with a
	// device id attached.
	a := New(newFakeBackend(), newFakeBackend())
	id, err := a.Authenticate(context.Background(), Credentials{Token: "tok-alice", DeviceID: "phone-1", Subscriber: true})
	require.NoError(t, err)
	assert.Equal(t, RoleSubscriber, id.Role)
}

func TestAuthenticateDevice(t *testing.T) {
	a := New(newFakeBackend(), newFakeBackend())
	id, err := a.Authenticate(context.Background(), Credentials{Token: "tok-alice", DeviceID: "phone-1"})
	require.NoError(t, err)
	assert.Equal(t, RoleDevice, id.Role)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "phone-1", id.DeviceID)
	assert.Equal(t, "sess-9", id.SessionID)
}

func TestAuthenticateDeviceNotOwned(t *testing.T) {
	a := New(newFakeBackend(), newFakeBackend())
	_, err := a.Authenticate(context.Background(), Credentials{Token: "tok-alice", DeviceID: "phone-2"})
	assert.ErrorIs(t, err, ErrDeviceNotOwned)
}

func TestAuthenticateSessionLookupDegrades(t *testing.T) {
	be := newFakeBackend()
	be.sessionErr = errors.New("db down")
	a := New(be, be)
	id, err := a.Authenticate(context.Background(), Credentials{Token: "tok-alice", DeviceID: "phone-1"})
	require.NoError(t, err)
	assert.Empty(t, id.SessionID)
}
