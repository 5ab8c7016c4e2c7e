package daelim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a Session.
type ConnState int32

// Session states. A session moves forward only; a new one replaces it after a drop.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SessionConfig holds the collaborators of one Session.
type SessionConfig struct {
	Profile *ApartmentProfile

	// Dialer opens the transport. Defaults to DialTCP.
	Dialer Dialer

	// ConnectTimeout bounds the TCP connect (default 10s).
	ConnectTimeout time.Duration

	// CommandTimeout bounds each request including handshake steps (default 10s).
	CommandTimeout time.Duration

	Router  *Router
	Metrics *Metrics
	Logger  Logger
}

// Session is one authenticated TCP connection to the apartment server.
//
// A single read loop owns the decoder and resolves responses; writes are
// serialised so frames never interleave. A session is used once: after it
// closes, the Supervisor builds a new one.
type Session struct {
	logSink

	cfg        SessionConfig
	dispatcher *Dispatcher
	state      atomic.Int32

	connMu    sync.Mutex
	transport Transport

	// writeMu serialises frame writes and guards pin.
	writeMu sync.Mutex
	pin     string

	invMu     sync.RWMutex
	inventory Inventory

	teardownOnce sync.Once
	done         *closeOnce
	errMu        sync.Mutex
	err          error
	wg           sync.WaitGroup

	readyAt time.Time
}

// NewSession creates a disconnected session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = DialTCP
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	s := &Session{
		cfg:        cfg,
		dispatcher: NewDispatcher(cfg.Metrics),
		pin:        InitialPin,
		done:       newCloseOnce(),
		inventory:  make(Inventory),
	}
	if cfg.Logger != nil {
		s.SetLogger(cfg.Logger)
	}
	return s
}

// Open dials the server and performs the pin handshake.
//
// Parameters:
//   - ctx: Context for cancellation of the dial and the handshake
//
// Returns:
//   - error: nil once the session is Ready. ErrAuthenticationFailed (wrapped)
//     when the server refuses the credentials; other errors are retryable.
func (s *Session) Open(ctx context.Context) error {
	if s.done.IsClosed() || !s.advance(StateDisconnected, StateConnecting) {
		return fmt.Errorf("%w: session already used", ErrConnectionClosed)
	}

	p := s.cfg.Profile
	t, err := s.cfg.Dialer(ctx, p.ServerAddress, p.Port(), s.cfg.ConnectTimeout)
	if err != nil {
		s.teardown(err)
		return err
	}

	s.connMu.Lock()
	if s.done.IsClosed() {
		s.connMu.Unlock()
		_ = t.Close()
		return fmt.Errorf("%w: closed while connecting", ErrConnectionClosed)
	}
	s.transport = t
	advanced := s.advance(StateConnecting, StateAuthenticating)
	s.connMu.Unlock()
	if !advanced {
		return s.endedErr("closed while connecting")
	}

	s.wg.Add(1)
	go s.readLoop(t)

	if err := s.authenticate(ctx); err != nil {
		s.teardown(err)
		return err
	}

	s.readyAt = time.Now()
	if s.done.IsClosed() || !s.advance(StateAuthenticating, StateReady) {
		return s.endedErr("connection ended during login")
	}
	s.logInfo("session ready", "server", p.ServerAddress, "devices", s.Inventory().Count())
	return nil
}

// authenticate runs certpin, loginpin and menu in order.
func (s *Session) authenticate(ctx context.Context) error {
	p := s.cfg.Profile

	certPin, err := s.pinStep(ctx, SubtypeCertPin, p.certPinPayload(), "certpin")
	if err != nil {
		return err
	}
	s.setPin(certPin)

	loginPin, err := s.pinStep(ctx, SubtypeLoginPin, map[string]string{
		"id":      p.Username,
		"pw":      p.Password,
		"certpin": certPin,
	}, "loginpin")
	if err != nil {
		return err
	}
	s.setPin(loginPin)

	res, err := s.roundTrip(ctx, loginCommand(SubtypeMenu, map[string]string{}))
	if err != nil {
		var rerr *ResultError
		if !errors.As(err, &rerr) {
			return handshakeError("menu", err)
		}
		s.logWarn("menu request refused, continuing without inventory", "code", uint32(rerr.Code), "reason", rerr.Code.String())
		return nil
	}

	inv, unknown, err := parseInventory(res.Response.Body)
	if err != nil {
		s.logWarn("menu response unreadable, continuing without inventory", "error", err)
		return nil
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		s.logDebug("ignoring unmodelled menu entries", "keys", unknown)
	}
	s.invMu.Lock()
	s.inventory = inv
	s.invMu.Unlock()
	return nil
}

// pinStep sends one handshake request and extracts the named pin from the reply.
func (s *Session) pinStep(ctx context.Context, subtype uint32, payload map[string]string, field string) (string, error) {
	res, err := s.roundTrip(ctx, loginCommand(subtype, payload))
	if err != nil {
		return "", handshakeError(field, err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(res.Response.Body, &body); err != nil {
		return "", fmt.Errorf("%w: %s response: %w", ErrAuthenticationFailed, field, err)
	}
	var pin string
	if raw, ok := body[field]; ok {
		var arg wireArg
		if err := json.Unmarshal(raw, &arg); err == nil {
			pin = string(arg)
		}
	}
	if pin == "" {
		return "", fmt.Errorf("%w: %s missing from response", ErrAuthenticationFailed, field)
	}
	return pin, nil
}

// handshakeError classifies a failed handshake step.
func handshakeError(step string, err error) error {
	var rerr *ResultError
	switch {
	case errors.As(err, &rerr):
		return fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, step, err)
	case errors.Is(err, ErrCommandTimedOut):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, step, err)
	default:
		return fmt.Errorf("%s: %w", step, err)
	}
}

// Send dispatches cmd and waits for its response.
//
// Returns:
//   - Result: The response and the states it produced
//   - error: ErrConnectionUnavailable if the session is not Ready,
//     ErrCommandTimedOut, ErrConnectionClosed, or a *ResultError
func (s *Session) Send(ctx context.Context, cmd Command) (Result, error) {
	if st := s.State(); st != StateReady {
		return Result{}, fmt.Errorf("%w: session is %s", ErrConnectionUnavailable, st)
	}
	return s.roundTrip(ctx, cmd)
}

func (s *Session) roundTrip(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	res, err := s.exchange(ctx, cmd)
	s.cfg.Metrics.observeCommand(cmd, time.Since(start), err)
	return res, err
}

func (s *Session) exchange(ctx context.Context, cmd Command) (Result, error) {
	p, err := s.dispatcher.register(cmd)
	if err != nil {
		return Result{}, err
	}

	if err := s.write(cmd.frame(p.seq)); err != nil {
		if s.dispatcher.cancel(p) {
			if errors.Is(err, ErrInvalidCommand) {
				return Result{}, err
			}
			cause := fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			s.teardown(cause)
			return Result{}, cause
		}
		out := <-p.done
		return out.result, out.err
	}

	s.logDebug("command sent", "command", cmd.String(), "seq", p.seq)
	return s.dispatcher.wait(ctx, p, s.cfg.CommandTimeout)
}

func (s *Session) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	f.Pin = s.pin
	raw, err := Encode(f)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	t := s.transport
	s.connMu.Unlock()
	if t == nil {
		return errors.New("no transport")
	}
	return t.Write(raw)
}

func (s *Session) setPin(pin string) {
	s.writeMu.Lock()
	s.pin = pin
	s.writeMu.Unlock()
}

// readLoop decodes frames until the transport fails or the session closes.
func (s *Session) readLoop(t Transport) {
	defer s.wg.Done()

	dec := NewDecoder()
	for {
		chunk, err := t.ReadChunk()
		if err != nil {
			if !s.done.IsClosed() {
				s.logInfo("connection lost", "error", err)
			}
			s.teardown(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}
		dec.Feed(chunk)

		for {
			f, err := dec.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				s.cfg.Metrics.incMalformed()
				s.logError("framing error, dropping connection", err)
				s.teardown(err)
				return
			}
			s.handleFrame(f)
		}
	}
}

// handleFrame resolves a response or routes a push. Runs on the read loop.
func (s *Session) handleFrame(f Frame) {
	p, ok := s.dispatcher.match(f)
	if !ok {
		f.Kind = KindPush
		s.logDebug("push received", "type", f.Type.String(), "subtype", f.Subtype)
		if s.cfg.Router != nil {
			_ = s.cfg.Router.RoutePush(f) //nolint:errcheck // logged by the router
		}
		return
	}

	if f.Code != CodeSuccess {
		rerr := &ResultError{Type: f.Type, Subtype: f.Subtype, Code: f.Code}
		s.dispatcher.resolve(p, Result{Response: f}, rerr)
		if f.Code.IsSessionExpiry() && s.State() == StateReady {
			s.logWarn("server ended the login session", "code", uint32(f.Code))
			s.teardown(fmt.Errorf("%w: %w", ErrSessionExpired, rerr))
		}
		return
	}

	var applied []DeviceState
	if s.cfg.Router != nil {
		states, errs := p.cmd.statesFrom(f, s.cfg.Router.store, time.Now())
		for _, err := range errs {
			s.cfg.Metrics.incUnknown()
			s.logWarn("dropping response item", "command", p.cmd.String(), "error", err)
		}
		applied = s.cfg.Router.Apply(states)
	}
	s.dispatcher.resolve(p, Result{Response: f, States: applied}, nil)
}

// teardown closes the session once. Pending commands fail with cause.
func (s *Session) teardown(cause error) {
	s.teardownOnce.Do(func() {
		s.setState(StateClosing)

		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		s.connMu.Lock()
		t := s.transport
		s.done.Close()
		s.connMu.Unlock()
		if t != nil {
			_ = t.Close()
		}

		reason := cause
		if reason == nil {
			reason = fmt.Errorf("%w: closed by client", ErrConnectionClosed)
		} else if !errors.Is(reason, ErrConnectionClosed) {
			reason = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		if n := s.dispatcher.failAll(reason); n > 0 {
			s.logDebug("released pending commands", "count", n)
		}

		s.setState(StateDisconnected)
	})
}

// Abort tears the session down with cause without waiting for the read loop.
func (s *Session) Abort(cause error) {
	s.teardown(cause)
}

// Close ends the session and waits for the read loop to exit.
func (s *Session) Close() error {
	s.teardown(nil)
	s.wg.Wait()
	return nil
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done.Done()
}

// Err returns why the session ended, or nil if it is alive or closed by Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) setState(st ConnState) {
	s.state.Store(int32(st))
	s.cfg.Metrics.setState(st)
}

// advance moves from one state to the next only if nothing else (a teardown)
// has moved the session in between.
func (s *Session) advance(from, to ConnState) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.cfg.Metrics.setState(to)
	return true
}

// endedErr reports a session that was torn down while Open was running.
func (s *Session) endedErr(step string) error {
	s.teardown(nil)
	if err := s.Err(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%w: %s", ErrConnectionClosed, step)
}

// Inventory returns the devices listed by the menu response.
func (s *Session) Inventory() Inventory {
	s.invMu.RLock()
	defer s.invMu.RUnlock()
	out := make(Inventory, len(s.inventory))
	for c, list := range s.inventory {
		out[c] = append([]DeviceInfo(nil), list...)
	}
	return out
}

// ReadySince returns when the handshake completed, or the zero time.
func (s *Session) ReadySince() time.Time {
	if s.State() != StateReady {
		return time.Time{}
	}
	return s.readyAt
}

// Pending returns the number of commands awaiting a response.
func (s *Session) Pending() int {
	return s.dispatcher.Len()
}
