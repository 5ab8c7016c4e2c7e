package daelim

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Client.
type Options struct {
	Profile ApartmentProfile

	// Dialer defaults to DialTCP.
	Dialer Dialer

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Backoff        BackoffPolicy
	PollInterval   time.Duration
	ClearOnClose   bool

	// Registerer receives the engine metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	Logger  Logger
	OnRetry func(attempt int, delay time.Duration, err error)
	OnReady func(inv Inventory)
}

// Client is the host-facing entry point: one apartment, one supervised
// session, one state store.
type Client struct {
	store      *Store
	router     *Router
	supervisor *Supervisor
	metrics    *Metrics
}

// NewClient wires the store, router and supervisor. Call Start to connect.
func NewClient(opts Options) (*Client, error) {
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	if opts.Profile.DeviceUUID == "" {
		opts.Profile.DeviceUUID = NewDeviceUUID()
	}

	metrics := NewMetrics(opts.Registerer)
	store := NewStore()
	router := NewRouter(store, metrics)
	sup := NewSupervisor(SupervisorConfig{
		Profile:        opts.Profile,
		Dialer:         opts.Dialer,
		ConnectTimeout: opts.ConnectTimeout,
		CommandTimeout: opts.CommandTimeout,
		Backoff:        opts.Backoff,
		PollInterval:   opts.PollInterval,
		ClearOnClose:   opts.ClearOnClose,
		OnRetry:        opts.OnRetry,
		OnReady:        opts.OnReady,
	}, store, router, metrics)

	c := &Client{store: store, router: router, supervisor: sup, metrics: metrics}
	if opts.Logger != nil {
		c.SetLogger(opts.Logger)
	}
	return c, nil
}

// SetLogger sets the logger on every component.
func (c *Client) SetLogger(logger Logger) {
	c.router.SetLogger(logger)
	c.supervisor.SetLogger(logger)
}

// Start begins delivering events and connecting.
func (c *Client) Start(ctx context.Context) error {
	c.router.Start()
	return c.supervisor.Start(ctx)
}

// Close disconnects and stops event delivery.
func (c *Client) Close() error {
	err := c.supervisor.Close()
	c.router.Close()
	return err
}

// Store returns the state store.
func (c *Client) Store() *Store { return c.store }

// Supervisor returns the connection supervisor.
func (c *Client) Supervisor() *Supervisor { return c.supervisor }

// Seed loads persisted states as stale entries.
func (c *Client) Seed(states []DeviceState) int { return c.store.Seed(states) }

// Issue builds and sends a command.
func (c *Client) Issue(ctx context.Context, cat Category, id string, action Action, params Params) (Result, error) {
	return c.supervisor.Issue(ctx, cat, id, action, params)
}

// Send dispatches a prepared command.
func (c *Client) Send(ctx context.Context, cmd Command) (Result, error) {
	return c.supervisor.Send(ctx, cmd)
}

// Subscribe registers fn for changes in one category.
func (c *Client) Subscribe(cat Category, fn func(DeviceState)) func() {
	return c.router.Subscribe(cat, fn)
}

// SubscribeAll registers fn for every state change.
func (c *Client) SubscribeAll(fn func(DeviceState)) func() {
	return c.router.SubscribeAll(fn)
}

// State returns the last known state of one device.
func (c *Client) State(cat Category, id string) (DeviceState, error) {
	return c.store.Read(cat, id)
}

// States returns every known state.
func (c *Client) States() []DeviceState { return c.store.Snapshot() }

// Inventory returns the device list of the last login.
func (c *Client) Inventory() Inventory { return c.supervisor.Inventory() }

// Refresh re-queries all state.
func (c *Client) Refresh(ctx context.Context) error { return c.supervisor.Refresh(ctx) }

// WaitReady blocks until the first Ready session or a fatal error.
func (c *Client) WaitReady(ctx context.Context) error { return c.supervisor.WaitReady(ctx) }

// Health returns the connection health snapshot.
func (c *Client) Health() Health { return c.supervisor.Health() }

// RouterStats returns subscriber delivery counters.
func (c *Client) RouterStats() RouterStats { return c.router.Stats() }

// Category returns the controller for one device category.
func (c *Client) Category(cat Category) *DeviceController {
	return &DeviceController{client: c, category: cat}
}

// DeviceController is the per-category view of a Client.
type DeviceController struct {
	client   *Client
	category Category
}

// Category returns the controlled category.
func (d *DeviceController) Category() Category { return d.category }

// Subscribe registers fn for changes in this category.
func (d *DeviceController) Subscribe(fn func(DeviceState)) func() {
	return d.client.Subscribe(d.category, fn)
}

// Issue sends an action to one device of this category.
func (d *DeviceController) Issue(ctx context.Context, id string, action Action, params Params) (Result, error) {
	return d.client.Issue(ctx, d.category, id, action, params)
}

// State returns the state of one device.
func (d *DeviceController) State(id string) (DeviceState, error) {
	return d.client.State(d.category, id)
}

// States returns every known device of this category.
func (d *DeviceController) States() []DeviceState {
	return d.client.store.CategoryStates(d.category)
}

// Devices returns the inventory entries for this category.
func (d *DeviceController) Devices() []DeviceInfo {
	return d.client.Inventory()[d.category]
}

// Available reports whether commands for this category can be sent now.
func (d *DeviceController) Available() bool {
	if !d.client.supervisor.Ready() {
		return false
	}
	switch d.category {
	case CategorySecurityMode, CategoryElevator, CategoryAllOff:
		return true
	}
	inv := d.client.Inventory()
	return len(inv) == 0 || len(inv[d.category]) > 0
}
