package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tracknet.dev/livetrack/internal/hub"
	"tracknet.dev/livetrack/internal/track"
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateTracking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateTracking:
		return "tracking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Agent is the device-side counterpart of the hub: it samples fixes,
// suppresses updates the hub would skip anyway, and reacts to
// hub-pushed control events. Reconnection belongs to the transport;
// the agent only surfaces its status transitions.
type Agent struct {
	deviceID  string
	provider  Provider
	transport Transport
	validator *track.Validator
	log       zerolog.Logger

	// lifecycle guards Start/Stop; cacheMu guards lastSent/lastErr so
	// the run loop never contends with lifecycle calls.
	lifecycle sync.Mutex
	cacheMu   sync.Mutex
	state     int32
	lastSent  *track.LocationSample
	lastErr   error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(deviceID string, provider Provider, transport Transport, logger zerolog.Logger) *Agent {
	return &Agent{
		deviceID:  deviceID,
		provider:  provider,
		transport: transport,
		validator: track.NewValidator(),
		log:       logger.With().Str("component", "agent").Str("device_id", deviceID).Logger(),
	}
}

func (a *Agent) State() State {
	return State(atomic.LoadInt32(&a.state))
}

func (a *Agent) setState(s State) {
	atomic.StoreInt32(&a.state, int32(s))
}

// Start brings the agent to Tracking: permission check, transport
// connect, one unconditional fix, then continuous sampling. Calling
// Start while starting or tracking is a no-op.
func (a *Agent) Start() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	switch a.State() {
	case StateStarting, StateTracking:
		a.log.Warn().Msg("start ignored, agent already running")
		return nil
	}
	a.setState(StateStarting)

	if err := a.provider.Available(); err != nil {
		a.fail(err)
		return fmt.Errorf("location service unavailable: %w", err)
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	if err := a.transport.Connect(a.ctx); err != nil {
		a.cancel()
		a.fail(err)
		return fmt.Errorf("transport connect: %w", err)
	}

	// One immediate high-accuracy fix goes out unconditionally, so the
	// hub sees us right away instead of after the first cadence tick.
	a.forceSend(a.ctx)

	fixes, err := a.provider.Watch(a.ctx)
	if err != nil {
		a.cancel()
		_ = a.transport.Close()
		a.fail(err)
		return fmt.Errorf("watch position: %w", err)
	}

	a.setState(StateTracking)
	a.wg.Add(1)
	go a.run(fixes)
	a.log.Info().Msg("tracking started")
	return nil
}

// Stop tears down the position watch and the transport, clears the
// local cache and returns the agent to Idle.
func (a *Agent) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.State() == StateIdle {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.transport.Close()
	a.cacheMu.Lock()
	a.lastSent = nil
	a.lastErr = nil
	a.cacheMu.Unlock()
	a.setState(StateIdle)
	a.log.Info().Msg("tracking stopped")
	return nil
}

// Err reports the terminal error after a failed start or a permanent
// transport failure.
func (a *Agent) Err() error {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	return a.lastErr
}

func (a *Agent) fail(err error) {
	a.cacheMu.Lock()
	a.lastErr = err
	a.cacheMu.Unlock()
	a.setState(StateError)
	a.log.Error().Err(err).Msg("agent error")
	a.setState(StateIdle)
}

func (a *Agent) run(fixes <-chan Fix) {
	defer a.wg.Done()
	for {
		select {
		case fix, ok := <-fixes:
			if !ok {
				a.log.Warn().Msg("position watch ended")
				return
			}
			a.maybeSend(&fix)
		case ev, ok := <-a.transport.Events():
			if !ok {
				return
			}
			a.handleEvent(ev)
		case st := <-a.transport.StatusChanges():
			a.log.Info().Str("transport", st.String()).Msg("transport status")
			if st == StatusError {
				// Permanent reconnection failure is terminal, not
				// silently retried forever.
				a.cacheMu.Lock()
				a.lastErr = errConnectFailed
				a.cacheMu.Unlock()
				a.setState(StateError)
				return
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) handleEvent(ev Event) {
	switch ev.Type {
	case hub.EvRequestLocation:
		// Hub wants a fix now, outside the normal suppression logic.
		a.forceSend(a.ctx)
	case hub.EvLocationError:
		a.log.Warn().RawJSON("data", ev.Data).Msg("hub rejected update")
	case hub.EvLocationSaved:
		a.log.Debug().RawJSON("data", ev.Data).Msg("update acknowledged")
	case hub.EvRateLimited:
		a.log.Warn().Msg("hub rate limited this device's user")
	}
}

// maybeSend applies the same distance/time heuristic the hub uses for
// persistence, against the last transmitted sample, so we do not flood
// the transport with updates the hub would discard.
func (a *Agent) maybeSend(fix *Fix) {
	sample := fix.Sample(a.deviceID)
	if !a.validator.ShouldPersist(a.lastTransmitted(), sample) {
		a.log.Trace().Msg("fix suppressed")
		return
	}
	a.send(sample)
}

func (a *Agent) forceSend(ctx context.Context) {
	fix, err := a.provider.CurrentFix(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("immediate fix failed")
		return
	}
	a.send(fix.Sample(a.deviceID))
}

func (a *Agent) send(sample *track.LocationSample) {
	if err := a.transport.Send(hub.EvLocationUpdate, sample); err != nil {
		a.log.Error().Err(err).Msg("send failed")
		return
	}
	a.cacheMu.Lock()
	a.lastSent = sample
	a.cacheMu.Unlock()
}

func (a *Agent) lastTransmitted() *track.LocationSample {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	return a.lastSent
}
