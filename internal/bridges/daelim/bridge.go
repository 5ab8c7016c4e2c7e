package daelim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTopicParts is graylogic/command/daelim/{category}/{id}.
	commandTopicParts = 5

	// bridgeCommandTimeout bounds one MQTT-originated command end to end.
	bridgeCommandTimeout = 15 * time.Second

	// refreshTimeout bounds a refresh request.
	refreshTimeout = 60 * time.Second

	// publishQueueSize bounds state changes waiting to be published.
	publishQueueSize = 256
)

// Controller is the part of Client the bridge drives.
type Controller interface {
	Issue(ctx context.Context, c Category, id string, action Action, params Params) (Result, error)
	SubscribeAll(fn func(DeviceState)) func()
	State(c Category, id string) (DeviceState, error)
	States() []DeviceState
	Inventory() Inventory
	Refresh(ctx context.Context) error
	Health() Health
}

// StateRecorder persists state changes (history, snapshots, telemetry).
type StateRecorder interface {
	RecordState(ctx context.Context, st DeviceState) error
}

// CommandEvent describes one command handled on behalf of a caller.
type CommandEvent struct {
	CommandID  string
	Source     string
	Actor      string
	Category   Category
	DeviceID   string
	Action     string
	Parameters map[string]any
	Err        error
	Latency    time.Duration
	At         time.Time
}

// CommandJournal keeps a trail of handled commands.
type CommandJournal interface {
	RecordCommand(ctx context.Context, ev CommandEvent) error
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID       string
	Version        string
	ServerAddress  string
	HealthInterval time.Duration

	Client     Controller
	MQTTClient MQTTClient

	// Recorders receive every state change after it is published. Optional.
	Recorders []StateRecorder

	// Journal records every MQTT command outcome. Optional.
	Journal CommandJournal

	Logger Logger
}

// Bridge translates between MQTT and the apartment client.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	logSink

	client    Controller
	mqtt      MQTTClient
	health    *HealthReporter
	recorders []StateRecorder
	journal   CommandJournal

	queue       chan DeviceState
	unsubscribe func()

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64
	eventsDropped    atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.MQTTClient == nil {
		return nil, errors.New("MQTT client is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		client:    opts.Client,
		mqtt:      opts.MQTTClient,
		recorders: opts.Recorders,
		journal:   opts.Journal,
		queue:     make(chan DeviceState, publishQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Address:   opts.ServerAddress,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    opts.Client.Health,
		Stats:     b.Statistics,
	})
	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}
	return b, nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.logSink.SetLogger(logger)
	b.health.SetLogger(logger)
}

// Health returns the health reporter, for LWT configuration.
func (b *Bridge) Health() *HealthReporter { return b.health }

// Start subscribes to command and request topics and begins publishing state.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.wg.Add(1)
	go b.publishWorker()
	b.unsubscribe = b.client.SubscribeAll(b.enqueueState)

	if err := b.mqtt.Subscribe(CommandSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(RequestSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	// Retained state for anything already known (seeded or synced).
	for _, st := range b.client.States() {
		b.enqueueState(st)
	}

	b.logInfo("bridge started", "topic", CommandSubscribeTopic())
	return nil
}

// Stop shuts the bridge down and waits for in-flight commands.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		b.ctxCancel()
		close(b.done)
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// handleMQTTMessage routes incoming MQTT messages to the right handler.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logWarn("invalid topic format", "topic", topic)
		return
	}

	select {
	case <-b.done:
		return
	default:
	}

	switch parts[1] {
	case "command":
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleCommand(parts, payload)
		}()
	case "request":
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleRequest(payload)
		}()
	default:
		b.logWarn("unknown message type", "topic", topic)
	}
}

// handleCommand executes one command and publishes its acknowledgment.
func (b *Bridge) handleCommand(parts []string, payload []byte) {
	b.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		b.logError("failed to parse command", err)
		return
	}

	cat, id, err := commandTarget(parts, cmd.DeviceID)
	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command rejected", "command_id", cmd.ID, "error", err)
		return
	}
	cmd.DeviceID = cat.String() + "/" + id

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command,
		"source", cmd.Source)

	start := time.Now()
	res, err := b.execute(cat, id, cmd)
	b.journalCommand(CommandEvent{
		CommandID:  cmd.ID,
		Source:     commandSource(cmd.Source),
		Category:   cat,
		DeviceID:   id,
		Action:     cmd.Command,
		Parameters: cmd.Parameters,
		Err:        err,
		Latency:    time.Since(start),
		At:         start,
	})
	if err != nil {
		b.commandsFailed.Add(1)
		b.publishAck(cat, id, NewAckError(cmd, err))
		b.logWarn("command failed", "command_id", cmd.ID, "device_id", cmd.DeviceID, "error", err)
		return
	}

	var state map[string]any
	for _, st := range res.States {
		if st.Category == cat && st.ID == id && st.Value != nil {
			state = st.Value.Fields()
		}
	}
	b.publishAck(cat, id, NewAckMessage(cmd, AckAccepted, state))
}

func (b *Bridge) execute(cat Category, id string, cmd CommandMessage) (Result, error) {
	params, err := cmd.Params()
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(b.ctx, bridgeCommandTimeout)
	defer cancel()
	return b.client.Issue(ctx, cat, id, Action(cmd.Command), params)
}

func (b *Bridge) journalCommand(ev CommandEvent) {
	if b.journal == nil {
		return
	}
	if err := b.journal.RecordCommand(b.ctx, ev); err != nil {
		b.logWarn("failed to journal command", "command_id", ev.CommandID, "error", err)
	}
}

func commandSource(s string) string {
	if s == "" {
		return "mqtt"
	}
	return "mqtt:" + s
}

// commandTarget resolves the device from the topic, falling back to the body.
func commandTarget(parts []string, deviceID string) (Category, string, error) {
	if len(parts) >= commandTopicParts {
		c, err := ParseCategory(parts[3])
		if err != nil {
			return 0, "", err
		}
		return c, DecodeTopicID(strings.Join(parts[4:], "/")), nil
	}
	return ParseDeviceKey(deviceID)
}

func (b *Bridge) publishAck(c Category, id string, ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(c, id), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest processes a request and publishes the response.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		b.logWarn("request without request_id dropped", "action", req.Action)
		return
	}

	b.logInfo("received request", "request_id", req.RequestID, "action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	case "refresh":
		resp = b.handleRefresh(req)
	case "inventory":
		resp = okResponse(req, map[string]any{"inventory": inventoryData(b.client.Inventory())})
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	out, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}
	if err := b.mqtt.Publish(ResponseTopic(req.RequestID), out, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return errorResponse(req, ErrCodeInvalidParameters, "device_id is required")
	}
	c, id, err := ParseDeviceKey(req.DeviceID)
	if err != nil {
		return errorResponse(req, ErrorCode(err), err.Error())
	}
	st, err := b.client.State(c, id)
	if err != nil {
		return errorResponse(req, ErrCodeNotFound, err.Error())
	}
	return okResponse(req, map[string]any{"state": NewStateMessage(st)})
}

func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	states := b.client.States()
	msgs := make([]StateMessage, 0, len(states))
	for _, st := range states {
		msgs = append(msgs, NewStateMessage(st))
	}
	return okResponse(req, map[string]any{"states": msgs, "count": len(msgs)})
}

func (b *Bridge) handleRefresh(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, refreshTimeout)
	defer cancel()
	if err := b.client.Refresh(ctx); err != nil {
		return errorResponse(req, ErrorCode(err), err.Error())
	}
	return okResponse(req, map[string]any{"message": "state refreshed"})
}

func okResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC(), Success: true, Data: data}
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

func inventoryData(inv Inventory) map[string][]DeviceInfo {
	out := make(map[string][]DeviceInfo, len(inv))
	for c, list := range inv {
		out[c.String()] = list
	}
	return out
}

// enqueueState runs on the router delivery goroutine and must not block.
func (b *Bridge) enqueueState(st DeviceState) {
	select {
	case b.queue <- st:
	default:
		b.eventsDropped.Add(1)
		b.logWarn("publish queue full, dropping state", "device", st.Key())
	}
}

func (b *Bridge) publishWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case st := <-b.queue:
			b.publishState(st)
		}
	}
}

func (b *Bridge) publishState(st DeviceState) {
	payload, err := json.Marshal(NewStateMessage(st))
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(st.Category, st.ID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err, "device", st.Key())
	} else {
		b.statesPublished.Add(1)
	}

	if st.Stale {
		return
	}
	for _, r := range b.recorders {
		if err := r.RecordState(b.ctx, st); err != nil {
			b.logError("failed to record state", err, "device", st.Key())
		}
	}
}

// Statistics returns bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
		EventsDropped:    b.eventsDropped.Load(),
	}
}
