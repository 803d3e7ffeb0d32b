package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracknet.dev/livetrack/internal/track"
)

type fakeProvider struct {
	mu           sync.Mutex
	availableErr error
	watchErr     error
	fixes        chan Fix
	current      Fix
	currentCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fixes: make(chan Fix, 8),
		current: Fix{
			Coordinate:   track.Coordinate{Latitude: -6.2088, Longitude: 106.8456, Accuracy: f64(5)},
			Timestamp:    time.Now().UTC(),
			BatteryLevel: 90,
			NetworkType:  track.NetworkWifi,
		},
	}
}

func f64(v float64) *float64 { return &v }

func (p *fakeProvider) Available() error { return p.availableErr }

func (p *fakeProvider) CurrentFix(_ context.Context) (*Fix, error) {
	p.mu.Lock()
	p.currentCalls++
	fix := p.current
	p.mu.Unlock()
	return &fix, nil
}

func (p *fakeProvider) Watch(_ context.Context) (<-chan Fix, error) {
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	return p.fixes, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentCalls
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	sent       []string
	closed     bool
	events     chan Event
	status     chan Status
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan Event, 8),
		status: make(chan Status, 8),
	}
}

func (t *fakeTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	return t.connectErr
}

func (t *fakeTransport) Send(event string, _ interface{}) error {
	t.mu.Lock()
	t.sent = append(t.sent, event)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Events() <-chan Event         { return t.events }
func (t *fakeTransport) StatusChanges() <-chan Status { return t.status }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) sendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func newTestAgent(p Provider, tr Transport) *Agent {
	return New("phone-1", p, tr, zerolog.Nop())
}

func TestStartSendsImmediateFix(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	a := newTestAgent(p, tr)
	require.NoError(t, a.Start())
	defer a.Stop()

	assert.Equal(t, StateTracking, a.State())
	assert.Equal(t, 1, tr.sendCount(), "one unconditional fix right after connect")
}

func TestStartIdempotent(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	a := newTestAgent(p, tr)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.NoError(t, a.Start(), "second start is a no-op")
	tr.mu.Lock()
	connects := tr.connects
	tr.mu.Unlock()
	assert.Equal(t, 1, connects)
}

func TestStartProviderUnavailable(t *testing.T) {
	p := newFakeProvider()
	p.availableErr = errors.New("permission denied")
	tr := newFakeTransport()
	a := newTestAgent(p, tr)

	err := a.Start()
	require.Error(t, err)
	assert.Equal(t, StateIdle, a.State())
	assert.Error(t, a.Err())
	tr.mu.Lock()
	connects := tr.connects
	tr.mu.Unlock()
	assert.Equal(t, 0, connects, "no connection attempt without a position source")
}

func TestStartConnectFails(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	tr.connectErr = errors.New("dial tcp: refused")
	a := newTestAgent(p, tr)

	err := a.Start()
	require.Error(t, err)
	assert.Equal(t, StateIdle, a.State())
}

func TestFixSuppression(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	a := newTestAgent(p, tr)
	require.NoError(t, a.Start())
	defer a.Stop()

	base := p.current.Timestamp

	// Stationary fix shortly after the initial one: suppressed.
	still := p.current
	still.Timestamp = base.Add(3 * time.Second)
	p.fixes <- still

	// Same spot, past the tier's elapsed threshold: transmitted.
	later := p.current
	later.Timestamp = base.Add(10 * time.Second)
	p.fixes <- later

	require.Eventually(t, func() bool { return tr.sendCount() == 2 },
		2*time.Second, 5*time.Millisecond, "initial fix plus the post-threshold one")
}

func TestHubRequestForcesSend(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	a := newTestAgent(p, tr)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.Equal(t, 1, p.calls())
	tr.events <- Event{Type: "request_current_location"}

	require.Eventually(t, func() bool { return p.calls() == 2 },
		2*time.Second, 5*time.Millisecond, "hub request bypasses suppression")
	require.Eventually(t, func() bool { return tr.sendCount() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestTransportErrorIsTerminal(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	a := newTestAgent(p, tr)
	require.NoError(t, a.Start())

	tr.status <- StatusError
	require.Eventually(t, func() bool { return a.State() == StateError },
		2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, a.Err(), errConnectFailed)
	a.Stop()
}

func TestStopReturnsToIdle(t *testing.T) {
	p := newFakeProvider()
	tr := newFakeTransport()
	a := newTestAgent(p, tr)
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())

	assert.Equal(t, StateIdle, a.State())
	assert.True(t, tr.isClosed())
	assert.Nil(t, a.Err(), "stop clears the error state")
	assert.Nil(t, a.lastTransmitted(), "next start sends unconditionally again")

	require.NoError(t, a.Stop(), "stop is idempotent")
}
