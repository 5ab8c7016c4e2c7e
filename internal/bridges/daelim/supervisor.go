package daelim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Default supervisor parameters.
const (
	// defaultBreakerFailures is the number of consecutive command timeouts
	// after which the session is considered dead.
	defaultBreakerFailures = 3

	// defaultBreakerInterval clears the breaker counts while closed.
	defaultBreakerInterval = 30 * time.Second

	// minPollInterval guards against hammering the wallpad.
	minPollInterval = 5 * time.Second

	// defaultStableAfter is how long a session must stay Ready before the
	// backoff sequence starts over.
	defaultStableAfter = 30 * time.Second
)

// Status is the externally visible connection status.
type Status string

// Supervisor statuses.
const (
	StatusStopped    Status = "stopped"
	StatusConnecting Status = "connecting"
	StatusSyncing    Status = "syncing"
	StatusReady      Status = "ready"
	StatusBackoff    Status = "backoff"
	StatusAuthFailed Status = "auth_failed"
	StatusClosed     Status = "closed"
)

// SupervisorConfig configures reconnection and health policy.
type SupervisorConfig struct {
	Profile ApartmentProfile

	// Dialer defaults to DialTCP.
	Dialer         Dialer
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Backoff BackoffPolicy

	// BreakerFailures is the consecutive timeout count that forces a reconnect (default 3).
	BreakerFailures uint32

	// BreakerInterval resets breaker counts while closed (default 30s).
	BreakerInterval time.Duration

	// StableAfter is the Ready time after which a dropped session restarts
	// the backoff sequence from the first delay (default 30s).
	StableAfter time.Duration

	// PollInterval re-queries all state periodically. Zero disables polling.
	PollInterval time.Duration

	// ClearOnClose empties the store when the supervisor is closed.
	ClearOnClose bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// OnReady is called after each successful login and resync.
	OnReady func(inv Inventory)
}

// Health describes the supervisor for health reporting.
type Health struct {
	Status       Status    `json:"status"`
	SessionState string    `json:"session_state"`
	ReadySince   time.Time `json:"ready_since,omitempty"`
	Attempt      int       `json:"attempt"`
	Reconnects   uint64    `json:"reconnects"`
	Devices      int       `json:"devices"`
	Pending      int       `json:"pending"`
	LastError    string    `json:"last_error,omitempty"`
}

// Supervisor owns the session lifecycle: connect, resync, watch, reconnect.
//
// Exactly one session is live at a time. Commands issued while no session
// is Ready fail fast with ErrConnectionUnavailable.
type Supervisor struct {
	logSink

	cfg     SupervisorConfig
	store   *Store
	router  *Router
	metrics *Metrics

	mu        sync.RWMutex
	session   *Session
	breaker   *gobreaker.CircuitBreaker
	inventory Inventory
	status    Status
	lastErr   error
	attempt   int
	changed   chan struct{}

	reconnects atomic.Uint64
	started    atomic.Bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(cfg SupervisorConfig, store *Store, router *Router, metrics *Metrics) *Supervisor {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = defaultBreakerInterval
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	if cfg.PollInterval > 0 && cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		router:    router,
		metrics:   metrics,
		inventory: make(Inventory),
		status:    StatusStopped,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start validates the profile and launches the connection loop.
// It returns immediately; use WaitReady to block until the first login.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.cfg.Profile.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: supervisor closed", ErrConnectionClosed)
	}
	if s.started.Load() {
		return errors.New("daelim: supervisor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started.Store(true)
	go s.run(runCtx)
	return nil
}

// run is the connection loop. It exits on context cancellation or
// authentication failure.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	hadSession := false
	attempt := 0
	for ctx.Err() == nil {
		s.setStatus(StatusConnecting, nil)
		sess := s.newSession()

		err := sess.Open(ctx)
		if err == nil {
			if hadSession {
				s.reconnects.Add(1)
				s.metrics.incReconnects()
			}
			hadSession = true

			err = s.serve(ctx, sess)
			if ctx.Err() != nil {
				return
			}
			if time.Since(sess.readyAt) >= s.cfg.StableAfter {
				attempt = 0
			}
			stale := s.store.MarkStale()
			s.logWarn("session dropped", "error", err, "stale_states", stale)
		} else {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthenticationFailed) {
				s.logError("login refused, not retrying", err)
				s.setStatus(StatusAuthFailed, err)
				return
			}
		}

		attempt++
		if !s.waitRetry(ctx, attempt, err) {
			return
		}
	}
}

// waitRetry sleeps the backoff delay for attempt. It reports false when ctx
// ended first.
func (s *Supervisor) waitRetry(ctx context.Context, attempt int, cause error) bool {
	delay := s.cfg.Backoff.Delay(attempt)
	s.mu.Lock()
	s.attempt = attempt
	s.mu.Unlock()
	s.setStatus(StatusBackoff, cause)
	s.logWarn("reconnecting after backoff", "attempt", attempt, "retry_in", delay.String(), "error", cause)
	if s.cfg.OnRetry != nil {
		s.cfg.OnRetry(attempt, delay, cause)
	}
	return sleepCtx(ctx, delay)
}

// serve runs one Ready session until it ends and returns why.
func (s *Supervisor) serve(ctx context.Context, sess *Session) error {
	forceCh := make(chan error, 1)
	breaker := s.newBreaker(forceCh)
	inv := sess.Inventory()

	s.mu.Lock()
	s.session = sess
	s.breaker = breaker
	s.inventory = inv
	s.attempt = 0
	s.mu.Unlock()
	s.setStatus(StatusSyncing, nil)

	if err := s.resync(ctx, sess, inv); err != nil {
		s.logWarn("initial state sync incomplete", "error", err)
	}
	if sess.State() == StateReady {
		s.setStatus(StatusReady, nil)
		if s.cfg.OnReady != nil {
			s.cfg.OnReady(inv)
		}
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	var pollWG sync.WaitGroup
	if s.cfg.PollInterval > 0 {
		pollWG.Add(1)
		go func() {
			defer pollWG.Done()
			s.pollLoop(pollCtx)
		}()
	}

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
		_ = sess.Close()
	case <-sess.Done():
		cause = sess.Err()
	case cause = <-forceCh:
		s.metrics.incForced()
		s.logWarn("forcing reconnect", "error", cause)
		sess.Abort(cause)
		_ = sess.Close()
	}

	stopPoll()
	pollWG.Wait()

	s.mu.Lock()
	s.session = nil
	s.breaker = nil
	s.mu.Unlock()
	return cause
}

func (s *Supervisor) newSession() *Session {
	sess := NewSession(SessionConfig{
		Profile:        &s.cfg.Profile,
		Dialer:         s.cfg.Dialer,
		ConnectTimeout: s.cfg.ConnectTimeout,
		CommandTimeout: s.cfg.CommandTimeout,
		Router:         s.router,
		Metrics:        s.metrics,
	})
	if lg := s.current(); lg != nil {
		sess.SetLogger(lg)
	}
	return sess
}

// newBreaker builds the per-session breaker. Only command timeouts count as
// failures; opening it signals forceCh.
func (s *Supervisor) newBreaker(forceCh chan<- error) *gobreaker.CircuitBreaker {
	threshold := s.cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "daelim-" + s.cfg.Profile.ServerAddress,
		Interval: s.cfg.BreakerInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrCommandTimedOut)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logDebug("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if to != gobreaker.StateOpen {
				return
			}
			select {
			case forceCh <- fmt.Errorf("%w: %d consecutive command timeouts", ErrConnectionClosed, threshold):
			default:
			}
		},
	})
}

// resync queries every known category so the store reflects the server.
func (s *Supervisor) resync(ctx context.Context, sess *Session, inv Inventory) error {
	var errs []error
	for _, c := range resyncCategories(inv) {
		cmd, err := BuildCommand(c, "", ActionQuery, Params{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := sess.Send(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("query %s: %w", c, err))
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrConnectionUnavailable) || ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// resyncCategories lists the categories to query. An empty inventory means
// the menu was unavailable, so every queryable category is tried.
func resyncCategories(inv Inventory) []Category {
	queryable := []Category{CategoryLight, CategoryHeating, CategoryGasValve, CategoryVentilation, CategoryOutlet}
	var out []Category
	for _, c := range queryable {
		if len(inv) == 0 || len(inv[c]) > 0 {
			out = append(out, c)
		}
	}
	return append(out, CategorySecurityMode)
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logWarn("periodic refresh failed", "error", err)
			}
		}
	}
}

// Send dispatches cmd on the Ready session through the circuit breaker.
//
// Returns:
//   - Result: Response and applied states
//   - error: ErrConnectionUnavailable when no session is Ready or the breaker
//     is open; otherwise whatever the session returned
func (s *Supervisor) Send(ctx context.Context, cmd Command) (Result, error) {
	s.mu.RLock()
	sess, breaker, status := s.session, s.breaker, s.status
	s.mu.RUnlock()

	if sess == nil || breaker == nil || status != StatusReady {
		err := fmt.Errorf("%w: status %s", ErrConnectionUnavailable, status)
		s.metrics.observeCommand(cmd, 0, err)
		return Result{}, err
	}

	out, err := breaker.Execute(func() (interface{}, error) {
		return sess.Send(ctx, cmd)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
		s.metrics.observeCommand(cmd, 0, err)
		return Result{}, err
	}
	res, _ := out.(Result)
	return res, err
}

// Issue builds and sends a command in one step.
func (s *Supervisor) Issue(ctx context.Context, c Category, id string, action Action, params Params) (Result, error) {
	cmd, err := BuildCommand(c, id, action, params)
	if err != nil {
		return Result{}, err
	}
	return s.Send(ctx, cmd)
}

// Refresh re-queries every known category on the current session.
func (s *Supervisor) Refresh(ctx context.Context) error {
	inv := s.Inventory()
	var errs []error
	for _, c := range resyncCategories(inv) {
		cmd, err := BuildCommand(c, "", ActionQuery, Params{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.Send(ctx, cmd); err != nil {
			if errors.Is(err, ErrConnectionUnavailable) {
				return err
			}
			errs = append(errs, fmt.Errorf("query %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// WaitReady blocks until a session is Ready, login is refused, or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		status, lastErr, changed := s.status, s.lastErr, s.changed
		s.mu.RUnlock()

		switch status {
		case StatusReady:
			return nil
		case StatusAuthFailed:
			return lastErr
		case StatusClosed:
			return fmt.Errorf("%w: supervisor closed", ErrConnectionClosed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (s *Supervisor) setStatus(st Status, err error) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	if err != nil {
		s.lastErr = err
	} else if st == StatusReady {
		s.lastErr = nil
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if prev != st {
		s.logDebug("connection status changed", "from", string(prev), "to", string(st))
	}
}

// Status returns the current connection status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Ready reports whether commands can be sent.
func (s *Supervisor) Ready() bool {
	return s.Status() == StatusReady
}

// Err returns the most recent connection error.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Inventory returns the device list of the last successful login.
func (s *Supervisor) Inventory() Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Inventory, len(s.inventory))
	for c, list := range s.inventory {
		out[c] = append([]DeviceInfo(nil), list...)
	}
	return out
}

// Health returns a snapshot for health reporting.
func (s *Supervisor) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{
		Status:       s.status,
		SessionState: StateDisconnected.String(),
		Attempt:      s.attempt,
		Reconnects:   s.reconnects.Load(),
		Devices:      s.inventory.Count(),
	}
	if s.session != nil {
		h.SessionState = s.session.State().String()
		h.ReadySince = s.session.ReadySince()
		h.Pending = s.session.Pending()
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

// Close stops the loop and closes the live session. Idempotent.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started, cancel := s.started.Load(), s.cancel
		s.mu.Unlock()
		if started {
			cancel()
			<-s.done
		}
		s.setStatus(StatusClosed, nil)
		if s.cfg.ClearOnClose {
			s.store.Clear()
		}
	})
	return nil
}

// sleepCtx waits for d or until ctx ends. It reports whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
