package daelim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category is one of the controllable subsystems of an apartment.
type Category int

// Device categories.
const (
	CategoryLight Category = iota + 1
	CategoryHeating
	CategoryGasValve
	CategoryVentilation
	CategoryOutlet
	CategorySecurityMode
	CategoryElevator
	CategoryAllOff
)

// Categories lists every modelled category in a stable order.
var Categories = []Category{
	CategoryLight,
	CategoryHeating,
	CategoryGasValve,
	CategoryVentilation,
	CategoryOutlet,
	CategorySecurityMode,
	CategoryElevator,
	CategoryAllOff,
}

// Fixed identifiers for categories that have a single instance per apartment.
const (
	SecurityDeviceID = "guard"
	ElevatorDeviceID = "elevator"
	AllDevicesID     = "all"
)

// Wire device names used in "item" entries and controlinfo keys.
const (
	deviceLight      = "light"
	deviceHeating    = "heating"
	deviceGas        = "gas"
	deviceFan        = "fan"
	deviceWallSocket = "wallsocket"
	deviceAll        = "all"
)

func (c Category) String() string {
	switch c {
	case CategoryLight:
		return "light"
	case CategoryHeating:
		return "heating"
	case CategoryGasValve:
		return "gas_valve"
	case CategoryVentilation:
		return "ventilation"
	case CategoryOutlet:
		return "outlet"
	case CategorySecurityMode:
		return "security_mode"
	case CategoryElevator:
		return "elevator"
	case CategoryAllOff:
		return "all_off"
	default:
		return "unknown"
	}
}

// ParseCategory parses the name returned by Category.String.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDeviceCategory, s)
}

// deviceName returns the wire device name, or "" for categories that use
// their own message type instead of device items.
func (c Category) deviceName() string {
	switch c {
	case CategoryLight:
		return deviceLight
	case CategoryHeating:
		return deviceHeating
	case CategoryGasValve:
		return deviceGas
	case CategoryVentilation:
		return deviceFan
	case CategoryOutlet:
		return deviceWallSocket
	case CategoryAllOff:
		return deviceAll
	default:
		return ""
	}
}

func categoryFromDevice(name string) (Category, error) {
	switch strings.ToLower(name) {
	case deviceLight:
		return CategoryLight, nil
	case deviceHeating:
		return CategoryHeating, nil
	case deviceGas:
		return CategoryGasValve, nil
	case deviceFan:
		return CategoryVentilation, nil
	case deviceWallSocket:
		return CategoryOutlet, nil
	case deviceAll:
		return CategoryAllOff, nil
	default:
		return 0, fmt.Errorf("%w: device %q", ErrUnknownDeviceCategory, name)
	}
}

// Value is the category-specific state of one device.
// The set of implementations is closed; see the types below.
type Value interface {
	Category() Category
	// Fields renders the value as a flat map for MQTT and HTTP consumers.
	Fields() map[string]any
}

// LightState is the state of a light circuit. Dim is 0 (low) to 2 (high).
type LightState struct {
	On       bool
	Dim      int
	Dimmable bool
}

// HeatingState is the state of one heating zone in degrees Celsius.
type HeatingState struct {
	On      bool
	Target  float64
	Current float64
}

// GasValveState is the state of the kitchen gas safety valve.
type GasValveState struct {
	Closed bool
}

// VentilationState is the state of the ventilation unit. Speed is 0 (low) to 2 (high).
type VentilationState struct {
	On          bool
	Speed       int
	Auto        bool
	RunningTime string
}

// OutletState is the state of a standby-power outlet.
type OutletState struct {
	On bool
}

// SecurityState is the apartment guard mode.
type SecurityState struct {
	Armed bool
}

// ElevatorState reports the last elevator call status.
type ElevatorState struct {
	Status string
	Floor  string
}

// AllOffState records the last all-off trigger.
type AllOffState struct {
	Off bool
}

func (LightState) Category() Category       { return CategoryLight }
func (HeatingState) Category() Category     { return CategoryHeating }
func (GasValveState) Category() Category    { return CategoryGasValve }
func (VentilationState) Category() Category { return CategoryVentilation }
func (OutletState) Category() Category      { return CategoryOutlet }
func (SecurityState) Category() Category    { return CategorySecurityMode }
func (ElevatorState) Category() Category    { return CategoryElevator }
func (AllOffState) Category() Category      { return CategoryAllOff }

func (v LightState) Fields() map[string]any {
	return map[string]any{"on": v.On, "dim": v.Dim, "dimmable": v.Dimmable}
}

func (v HeatingState) Fields() map[string]any {
	return map[string]any{"on": v.On, "target": v.Target, "current": v.Current}
}

func (v GasValveState) Fields() map[string]any {
	return map[string]any{"closed": v.Closed}
}

func (v VentilationState) Fields() map[string]any {
	return map[string]any{"on": v.On, "speed": v.Speed, "auto": v.Auto, "running_time": v.RunningTime}
}

func (v OutletState) Fields() map[string]any {
	return map[string]any{"on": v.On}
}

func (v SecurityState) Fields() map[string]any {
	return map[string]any{"armed": v.Armed}
}

func (v ElevatorState) Fields() map[string]any {
	return map[string]any{"status": v.Status, "floor": v.Floor}
}

func (v AllOffState) Fields() map[string]any {
	return map[string]any{"off": v.Off}
}

// DeviceState is the last known state of one device.
type DeviceState struct {
	Category  Category
	ID        string
	Value     Value
	UpdatedAt time.Time
	Stale     bool
}

// Key returns the "category/id" form used in topics and URLs.
func (s DeviceState) Key() string {
	return s.Category.String() + "/" + s.ID
}

// DeviceInfo describes one device announced by the server at login.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Dimmable bool   `json:"dimmable,omitempty"`
}

// Inventory lists the devices of an apartment per category.
type Inventory map[Category][]DeviceInfo

// Count returns the total number of devices.
func (inv Inventory) Count() int {
	n := 0
	for _, list := range inv {
		n += len(list)
	}
	return n
}

// Lookup returns the announced device with the given id.
func (inv Inventory) Lookup(c Category, id string) (DeviceInfo, bool) {
	for _, d := range inv[c] {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

type controlEntry struct {
	UID     wireArg `json:"uid"`
	UName   string  `json:"uname"`
	Name    string  `json:"name"`
	Dimming string  `json:"dimming"`
}

// parseInventory reads the controlinfo object of a menu response.
// Keys that do not name a modelled device are returned as unknown.
func parseInventory(body json.RawMessage) (Inventory, []string, error) {
	var wrapper struct {
		ControlInfo json.RawMessage `json:"controlinfo"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, nil, fmt.Errorf("parse menu body: %w", err)
	}
	info := body
	if len(wrapper.ControlInfo) > 0 && !bytes.Equal(wrapper.ControlInfo, []byte("null")) {
		info = wrapper.ControlInfo
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(info, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse controlinfo: %w", err)
	}

	inv := make(Inventory)
	var unknown []string
	for key, list := range raw {
		c, err := categoryFromDevice(key)
		if err != nil || c == CategoryAllOff {
			unknown = append(unknown, key)
			continue
		}
		var entries []controlEntry
		if err := json.Unmarshal(list, &entries); err != nil {
			unknown = append(unknown, key)
			continue
		}
		for _, e := range entries {
			if e.UID == "" {
				continue
			}
			name := e.UName
			if name == "" {
				name = e.Name
			}
			inv[c] = append(inv[c], DeviceInfo{
				ID:       string(e.UID),
				Name:     name,
				Dimmable: strings.EqualFold(e.Dimming, "y"),
			})
		}
	}
	return inv, unknown, nil
}

// wireArg accepts both JSON strings and bare numbers for item arguments.
type wireArg string

func (a *wireArg) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*a = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = wireArg(s)
	default:
		*a = wireArg(b)
	}
	return nil
}

// wireItem is one entry of a device query or invoke body.
type wireItem struct {
	Device string  `json:"device"`
	UID    wireArg `json:"uid"`
	Arg1   wireArg `json:"arg1,omitempty"`
	Arg2   wireArg `json:"arg2,omitempty"`
	Arg3   wireArg `json:"arg3,omitempty"`
	Arg4   wireArg `json:"arg4,omitempty"`
}

const (
	stateOn  = "on"
	stateOff = "off"
)

// Light dim levels on the wire for dim 0, 1 and 2.
var lightDimWire = [...]string{"1", "3", "6"}

func dimFromWire(s wireArg) int {
	n, err := strconv.Atoi(string(s))
	if err != nil {
		return 0
	}
	switch {
	case n <= 1:
		return 0
	case n <= 3:
		return 1
	default:
		return 2
	}
}

// Ventilation speed codes for speed 0, 1 and 2.
var fanSpeedWire = [...]string{"01", "02", "03"}

func speedFromWire(s wireArg) int {
	n, err := strconv.Atoi(string(s))
	if err != nil || n < 1 {
		return 0
	}
	if n > len(fanSpeedWire) {
		return len(fanSpeedWire) - 1
	}
	return n - 1
}

func parseTemp(s wireArg) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		return 0
	}
	return f
}

// stateFromItem converts a wire item into a typed device state.
func stateFromItem(it wireItem, now time.Time) (DeviceState, error) {
	c, err := categoryFromDevice(it.Device)
	if err != nil {
		return DeviceState{}, err
	}
	id := string(it.UID)
	if id == "" {
		return DeviceState{}, fmt.Errorf("%w: %s item without uid", ErrInvalidCommand, it.Device)
	}
	on := strings.EqualFold(string(it.Arg1), stateOn)

	var v Value
	switch c {
	case CategoryLight:
		v = LightState{On: on, Dim: dimFromWire(it.Arg2), Dimmable: strings.EqualFold(string(it.Arg3), "y")}
	case CategoryHeating:
		v = HeatingState{On: on, Target: parseTemp(it.Arg2), Current: parseTemp(it.Arg3)}
	case CategoryGasValve:
		v = GasValveState{Closed: !on}
	case CategoryVentilation:
		v = VentilationState{On: on, Speed: speedFromWire(it.Arg2), Auto: string(it.Arg3) == "01", RunningTime: string(it.Arg4)}
	case CategoryOutlet:
		v = OutletState{On: on}
	case CategoryAllOff:
		v = AllOffState{Off: strings.EqualFold(string(it.Arg1), stateOff)}
	default:
		return DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDeviceCategory, c)
	}
	return DeviceState{Category: c, ID: id, Value: v, UpdatedAt: now}, nil
}

// parseItems decodes the "item" array of a device body. Items naming unknown
// devices are collected as errors and skipped.
func parseItems(body json.RawMessage, now time.Time) ([]DeviceState, []error) {
	var payload struct {
		Item []wireItem `json:"item"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, []error{fmt.Errorf("parse items: %w", err)}
	}
	states := make([]DeviceState, 0, len(payload.Item))
	var errs []error
	for _, it := range payload.Item {
		st, err := stateFromItem(it, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		states = append(states, st)
	}
	return states, errs
}

// parseGuard decodes a guard query response or push.
func parseGuard(body json.RawMessage, now time.Time) (DeviceState, bool) {
	var payload struct {
		Mode *wireArg `json:"mode"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Mode == nil {
		return DeviceState{}, false
	}
	return DeviceState{
		Category:  CategorySecurityMode,
		ID:        SecurityDeviceID,
		Value:     SecurityState{Armed: *payload.Mode == guardModeAway},
		UpdatedAt: now,
	}, true
}

// parseElevator decodes an elevator push.
func parseElevator(body json.RawMessage, now time.Time) (DeviceState, bool) {
	var payload struct {
		Status wireArg `json:"status"`
		Floor  wireArg `json:"floor"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return DeviceState{}, false
	}
	if payload.Status == "" && payload.Floor == "" {
		return DeviceState{}, false
	}
	return DeviceState{
		Category:  CategoryElevator,
		ID:        ElevatorDeviceID,
		Value:     ElevatorState{Status: string(payload.Status), Floor: string(payload.Floor)},
		UpdatedAt: now,
	}, true
}

// ValueFromFields rebuilds a Value from the map produced by Fields, as
// stored in snapshots or decoded from JSON. Missing keys take zero values.
func ValueFromFields(c Category, f map[string]any) (Value, error) {
	switch c {
	case CategoryLight:
		return LightState{On: boolField(f, "on"), Dim: int(numField(f, "dim")), Dimmable: boolField(f, "dimmable")}, nil
	case CategoryHeating:
		return HeatingState{On: boolField(f, "on"), Target: numField(f, "target"), Current: numField(f, "current")}, nil
	case CategoryGasValve:
		return GasValveState{Closed: boolField(f, "closed")}, nil
	case CategoryVentilation:
		return VentilationState{
			On:          boolField(f, "on"),
			Speed:       int(numField(f, "speed")),
			Auto:        boolField(f, "auto"),
			RunningTime: strField(f, "running_time"),
		}, nil
	case CategoryOutlet:
		return OutletState{On: boolField(f, "on")}, nil
	case CategorySecurityMode:
		return SecurityState{Armed: boolField(f, "armed")}, nil
	case CategoryElevator:
		return ElevatorState{Status: strField(f, "status"), Floor: strField(f, "floor")}, nil
	case CategoryAllOff:
		return AllOffState{Off: boolField(f, "off")}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDeviceCategory, int(c))
	}
}

func boolField(f map[string]any, k string) bool {
	b, _ := f[k].(bool)
	return b
}

func numField(f map[string]any, k string) float64 {
	switch n := f[k].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		v, _ := n.Float64()
		return v
	default:
		return 0
	}
}

func strField(f map[string]any, k string) string {
	s, _ := f[k].(string)
	return s
}
