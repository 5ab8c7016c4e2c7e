package daelim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol is the protocol identifier carried in bridge messages.
const Protocol = "daelim"

// CommandMessage asks the bridge to act on a device.
// Topic: graylogic/command/daelim/{category}/{id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is "{category}/{id}". Filled from the topic when empty.
	DeviceID string `json:"device_id"`

	// Command is the action name ("on", "off", "set", "close", "arm", ...).
	Command string `json:"command"`

	// Parameters holds action arguments:
	//   {"dim": 2} for lights
	//   {"target": 22.5} for heating
	//   {"speed": 1, "auto": false} for ventilation
	//   {"password": "1234"} for security mode
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "mqtt", "scene").
	Source string `json:"source"`

	UserID string `json:"user_id,omitempty"`
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	// AckAccepted means the server confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was refused or could not be sent.
	AckFailed AckStatus = "failed"

	// AckTimeout means the server did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/daelim/{category}/{id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// State is the device state after the command, when known.
	State map[string]any `json:"state,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// ResultCode is the server result code for rejected commands.
	ResultCode *uint32 `json:"result_code,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnsafeAction      = "UNSAFE_ACTION"
	ErrCodeRejected          = "REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries the current state of one device.
// Topic: graylogic/state/daelim/{category}/{id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Category  string         `json:"category"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Stale     bool           `json:"stale,omitempty"`
	Protocol  string         `json:"protocol"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/daelim
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the apartment server connection.
type ConnectionStatus struct {
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	Reconnects     uint64     `json:"reconnects"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// RequestMessage is a request/response operation.
// Topic: graylogic/request/daelim/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state", "read_all", "refresh" or "inventory".
	Action string `json:"action"`

	// DeviceID is "{category}/{id}" for read_state.
	DeviceID string `json:"device_id,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/daelim/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts RFC3339 timestamps and tolerates their absence.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// Params converts the loosely typed parameters into engine Params.
func (m *CommandMessage) Params() (Params, error) {
	var p Params
	if len(m.Parameters) == 0 {
		return p, nil
	}
	raw, err := json.Marshal(m.Parameters)
	if err != nil {
		return p, fmt.Errorf("%w: parameters: %w", ErrInvalidCommand, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: parameters: %w", ErrInvalidCommand, err)
	}
	return p, nil
}

// NewAckMessage creates a successful acknowledgment.
func NewAckMessage(cmd CommandMessage, status AckStatus, state map[string]any) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		State:     state,
	}
}

// NewAckError creates a failed acknowledgment from an engine error.
func NewAckError(cmd CommandMessage, err error) AckMessage {
	code := ErrorCode(err)
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ae := &AckError{Code: code, Message: err.Error()}
	if rc, ok := ResultCodeOf(err); ok {
		v := uint32(rc)
		ae.ResultCode = &v
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Error:     ae,
	}
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(st DeviceState) StateMessage {
	ts := st.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	var fields map[string]any
	if st.Value != nil {
		fields = st.Value.Fields()
	}
	return StateMessage{
		DeviceID:  st.Key(),
		Category:  st.Category.String(),
		Timestamp: ts.UTC(),
		State:     fields,
		Stale:     st.Stale,
		Protocol:  Protocol,
	}
}

// NewLWTMessage creates the Last Will and Testament published by the broker
// if the bridge disappears.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// ErrorCode maps an engine error onto a bridge error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsafeAction):
		return ErrCodeUnsafeAction
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrUnknownDeviceCategory):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrCommandTimedOut):
		return ErrCodeTimeout
	case errors.Is(err, ErrConnectionUnavailable), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrSessionExpired):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrCommandRejected), errors.Is(err, ErrAuthenticationFailed):
		return ErrCodeRejected
	default:
		return ErrCodeBridgeError
	}
}

// Topic helpers

// TopicPrefix is the base topic for all messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic of a device.
// Example: graylogic/command/daelim/light/1
func CommandTopic(c Category, id string) string {
	return fmt.Sprintf("%s/command/%s/%s/%s", TopicPrefix, Protocol, c, EncodeTopicID(id))
}

// AckTopic returns the acknowledgment topic of a device.
func AckTopic(c Category, id string) string {
	return fmt.Sprintf("%s/ack/%s/%s/%s", TopicPrefix, Protocol, c, EncodeTopicID(id))
}

// StateTopic returns the retained state topic of a device.
func StateTopic(c Category, id string) string {
	return fmt.Sprintf("%s/state/%s/%s/%s", TopicPrefix, Protocol, c, EncodeTopicID(id))
}

// HealthTopic returns the health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the topic for a request.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the topic for a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// CommandSubscribeTopic matches every command topic.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic matches every request topic.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}

// EncodeTopicID escapes characters that would split a topic level.
func EncodeTopicID(id string) string {
	r := strings.NewReplacer("%", "%25", "/", "%2F", "+", "%2B", "#", "%23")
	return r.Replace(id)
}

// DecodeTopicID reverses EncodeTopicID.
func DecodeTopicID(encoded string) string {
	r := strings.NewReplacer("%2F", "/", "%2B", "+", "%23", "#", "%25", "%")
	return r.Replace(encoded)
}

// ParseDeviceKey splits "{category}/{id}" into its parts.
func ParseDeviceKey(key string) (Category, string, error) {
	name, id, ok := strings.Cut(key, "/")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("%w: device key %q is not category/id", ErrInvalidCommand, key)
	}
	c, err := ParseCategory(name)
	if err != nil {
		return 0, "", err
	}
	return c, id, nil
}
