package daelim

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Action is an operation requested on a device.
type Action string

// Actions understood by BuildCommand. Not every category accepts every action.
const (
	ActionOn      Action = "on"
	ActionOff     Action = "off"
	ActionSet     Action = "set"
	ActionOpen    Action = "open"
	ActionClose   Action = "close"
	ActionArm     Action = "arm"
	ActionDisarm  Action = "disarm"
	ActionCall    Action = "call"
	ActionTrigger Action = "trigger"
	ActionQuery   Action = "query"
)

// Heating setpoint limits accepted by the wallpad.
const (
	MinHeatingTarget = 5.0
	MaxHeatingTarget = 40.0
)

const (
	guardModeAway = "1"
	guardModeOff  = "0"
)

// Params carries optional action arguments.
type Params struct {
	// Dim is the light level 0-2.
	Dim *int `json:"dim,omitempty"`

	// Target is the heating setpoint in degrees Celsius.
	Target *float64 `json:"target,omitempty"`

	// Speed is the ventilation speed 0-2.
	Speed *int `json:"speed,omitempty"`

	// Auto selects the ventilation auto mode.
	Auto *bool `json:"auto,omitempty"`

	// Password is the optional guard password.
	Password string `json:"password,omitempty"`
}

// StateView gives commands read access to current state when deriving the
// state a successful response implies.
type StateView interface {
	Value(c Category, id string) (Value, bool)
	CategoryStates(c Category) []DeviceState
}

// Command is a fully validated request ready to be dispatched.
type Command struct {
	Category Category
	ID       string
	Action   Action
	Params   Params

	Type    MessageType
	Subtype uint32
	Body    json.RawMessage

	// optimistic derives the post-command state when the response does not echo it.
	optimistic func(view StateView) []DeviceState
}

// frame builds the request frame for this command.
func (c Command) frame(seq uint32) Frame {
	return Frame{Kind: KindRequest, Seq: seq, Type: c.Type, Subtype: c.Subtype, Body: c.Body}
}

// String identifies the command in logs.
func (c Command) String() string {
	if c.Category == 0 {
		return fmt.Sprintf("%s/%d", c.Type, c.Subtype)
	}
	return fmt.Sprintf("%s/%s %s", c.Category, c.ID, c.Action)
}

// statesFrom derives the device states a successful response implies.
// Echoed items win; otherwise the optimistic state of the command is used.
func (c Command) statesFrom(resp Frame, view StateView, now time.Time) ([]DeviceState, []error) {
	var states []DeviceState
	var errs []error

	switch resp.Type {
	case TypeDevice:
		items, itemErrs := parseItems(resp.Body, now)
		errs = itemErrs
		for _, st := range items {
			// A group echo ("uid":"all") names no single device.
			if st.ID == AllDevicesID && st.Category != CategoryAllOff {
				continue
			}
			states = append(states, st)
		}
	case TypeGuard:
		if st, ok := parseGuard(resp.Body, now); ok {
			states = append(states, st)
		}
	case TypeEVCall:
		if st, ok := parseElevator(resp.Body, now); ok {
			states = append(states, st)
		}
	}

	if len(states) == 0 && c.optimistic != nil {
		states = c.optimistic(view)
		for i := range states {
			states[i].UpdatedAt = now
		}
	}
	return states, errs
}

// BuildCommand validates an action for a category and encodes its payload.
//
// Parameters:
//   - category: Target device category
//   - id: Device identifier (ignored for single-instance categories)
//   - action: Requested action
//   - params: Optional arguments
//
// Returns:
//   - Command: Ready to dispatch
//   - error: ErrUnsafeAction for gas valve opening, ErrInvalidCommand otherwise
func BuildCommand(category Category, id string, action Action, params Params) (Command, error) {
	cmd := Command{Category: category, ID: id, Action: action, Params: params}

	var err error
	switch category {
	case CategoryLight:
		err = buildLight(&cmd)
	case CategoryHeating:
		err = buildHeating(&cmd)
	case CategoryGasValve:
		err = buildGas(&cmd)
	case CategoryVentilation:
		err = buildVentilation(&cmd)
	case CategoryOutlet:
		err = buildOutlet(&cmd)
	case CategorySecurityMode:
		err = buildSecurity(&cmd)
	case CategoryElevator:
		err = buildElevator(&cmd)
	case CategoryAllOff:
		err = buildAllOff(&cmd)
	default:
		return Command{}, fmt.Errorf("%w: %d", ErrUnknownDeviceCategory, int(category))
	}
	if err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func unsupported(c *Command) error {
	return fmt.Errorf("%w: %s does not support %q", ErrInvalidCommand, c.Category, c.Action)
}

func requireID(c *Command) error {
	if c.ID == "" {
		return fmt.Errorf("%w: %s requires a device id", ErrInvalidCommand, c.Category)
	}
	return nil
}

func queryBody(device string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{ //nolint:errcheck // static shape always marshals
		"type": "query",
		"item": []wireItem{{Device: device, UID: "All"}},
	})
	return b
}

func invokeBody(it wireItem) json.RawMessage {
	b, _ := json.Marshal(map[string]any{ //nolint:errcheck // static shape always marshals
		"type": "invoke",
		"item": []wireItem{it},
	})
	return b
}

func setQuery(c *Command) {
	c.ID = ""
	c.Type = TypeDevice
	c.Subtype = SubtypeDeviceQuery
	c.Body = queryBody(c.Category.deviceName())
}

func setInvoke(c *Command, it wireItem) {
	c.Type = TypeDevice
	c.Subtype = SubtypeDeviceInvoke
	c.Body = invokeBody(it)
}

func buildLight(c *Command) error {
	if c.Action == ActionQuery {
		setQuery(c)
		return nil
	}
	if err := requireID(c); err != nil {
		return err
	}

	on := true
	switch c.Action {
	case ActionOn:
	case ActionOff:
		on = false
	case ActionSet:
		if c.Params.Dim == nil {
			return fmt.Errorf("%w: light set requires dim", ErrInvalidCommand)
		}
	default:
		return unsupported(c)
	}

	it := wireItem{Device: deviceLight, UID: wireArg(c.ID), Arg1: stateOn}
	if !on {
		it.Arg1 = stateOff
	}
	if c.Params.Dim != nil {
		d := *c.Params.Dim
		if d < 0 || d >= len(lightDimWire) {
			return fmt.Errorf("%w: light dim %d outside 0-2", ErrInvalidCommand, d)
		}
		if on {
			it.Arg2 = wireArg(lightDimWire[d])
			it.Arg3 = "y"
		}
	}
	setInvoke(c, it)

	id, dim := c.ID, c.Params.Dim
	c.optimistic = func(view StateView) []DeviceState {
		apply := func(devID string, prev Value) DeviceState {
			next := LightState{On: on}
			if p, ok := prev.(LightState); ok {
				next.Dim, next.Dimmable = p.Dim, p.Dimmable
			}
			if dim != nil && on {
				next.Dim, next.Dimmable = *dim, true
			}
			return DeviceState{Category: CategoryLight, ID: devID, Value: next}
		}
		if id == AllDevicesID {
			var out []DeviceState
			for _, st := range view.CategoryStates(CategoryLight) {
				out = append(out, apply(st.ID, st.Value))
			}
			return out
		}
		prev, _ := view.Value(CategoryLight, id)
		return []DeviceState{apply(id, prev)}
	}
	return nil
}

func buildHeating(c *Command) error {
	if c.Action == ActionQuery {
		setQuery(c)
		return nil
	}
	if err := requireID(c); err != nil {
		return err
	}

	on := true
	switch c.Action {
	case ActionOn:
	case ActionOff:
		on = false
	case ActionSet:
		if c.Params.Target == nil {
			return fmt.Errorf("%w: heating set requires target", ErrInvalidCommand)
		}
	default:
		return unsupported(c)
	}

	it := wireItem{Device: deviceHeating, UID: wireArg(c.ID), Arg1: stateOn}
	if !on {
		it.Arg1 = stateOff
	}
	if t := c.Params.Target; t != nil {
		if *t < MinHeatingTarget || *t > MaxHeatingTarget {
			return fmt.Errorf("%w: heating target %.1f outside %.0f-%.0f", ErrInvalidCommand, *t, MinHeatingTarget, MaxHeatingTarget)
		}
		it.Arg2 = wireArg(strconv.FormatFloat(*t, 'f', -1, 64))
	}
	setInvoke(c, it)

	id, target := c.ID, c.Params.Target
	c.optimistic = func(view StateView) []DeviceState {
		next := HeatingState{On: on}
		if prev, ok := view.Value(CategoryHeating, id); ok {
			if p, ok := prev.(HeatingState); ok {
				next.Target, next.Current = p.Target, p.Current
			}
		}
		if target != nil {
			next.Target = *target
		}
		return []DeviceState{{Category: CategoryHeating, ID: id, Value: next}}
	}
	return nil
}

// buildGas only ever closes the valve. Opening is refused before any I/O.
func buildGas(c *Command) error {
	switch c.Action {
	case ActionQuery:
		setQuery(c)
		return nil
	case ActionOpen, ActionOn:
		return fmt.Errorf("%w: gas valve cannot be opened remotely", ErrUnsafeAction)
	case ActionClose, ActionOff:
	default:
		return unsupported(c)
	}
	if err := requireID(c); err != nil {
		return err
	}

	setInvoke(c, wireItem{Device: deviceGas, UID: wireArg(c.ID), Arg1: stateOff})
	id := c.ID
	c.optimistic = func(StateView) []DeviceState {
		return []DeviceState{{Category: CategoryGasValve, ID: id, Value: GasValveState{Closed: true}}}
	}
	return nil
}

func buildVentilation(c *Command) error {
	if c.Action == ActionQuery {
		setQuery(c)
		return nil
	}
	if err := requireID(c); err != nil {
		return err
	}

	on := true
	switch c.Action {
	case ActionOn:
	case ActionOff:
		on = false
	case ActionSet:
		if c.Params.Speed == nil && c.Params.Auto == nil {
			return fmt.Errorf("%w: ventilation set requires speed or auto", ErrInvalidCommand)
		}
	default:
		return unsupported(c)
	}

	it := wireItem{Device: deviceFan, UID: wireArg(c.ID), Arg1: stateOn}
	if !on {
		it.Arg1 = stateOff
	}
	if s := c.Params.Speed; s != nil {
		if *s < 0 || *s >= len(fanSpeedWire) {
			return fmt.Errorf("%w: ventilation speed %d outside 0-2", ErrInvalidCommand, *s)
		}
		it.Arg2 = wireArg(fanSpeedWire[*s])
	}
	if a := c.Params.Auto; a != nil {
		it.Arg3 = "00"
		if *a {
			it.Arg3 = "01"
		}
	}
	setInvoke(c, it)

	id, speed, auto := c.ID, c.Params.Speed, c.Params.Auto
	c.optimistic = func(view StateView) []DeviceState {
		next := VentilationState{On: on}
		if prev, ok := view.Value(CategoryVentilation, id); ok {
			if p, ok := prev.(VentilationState); ok {
				next.Speed, next.Auto, next.RunningTime = p.Speed, p.Auto, p.RunningTime
			}
		}
		if speed != nil {
			next.Speed = *speed
		}
		if auto != nil {
			next.Auto = *auto
		}
		return []DeviceState{{Category: CategoryVentilation, ID: id, Value: next}}
	}
	return nil
}

func buildOutlet(c *Command) error {
	if c.Action == ActionQuery {
		setQuery(c)
		return nil
	}
	if err := requireID(c); err != nil {
		return err
	}
	var on bool
	switch c.Action {
	case ActionOn:
		on = true
	case ActionOff:
	default:
		return unsupported(c)
	}

	it := wireItem{Device: deviceWallSocket, UID: wireArg(c.ID), Arg1: stateOff}
	if on {
		it.Arg1 = stateOn
	}
	setInvoke(c, it)
	id := c.ID
	c.optimistic = func(StateView) []DeviceState {
		return []DeviceState{{Category: CategoryOutlet, ID: id, Value: OutletState{On: on}}}
	}
	return nil
}

func buildSecurity(c *Command) error {
	c.ID = SecurityDeviceID
	c.Type = TypeGuard

	var armed bool
	switch c.Action {
	case ActionQuery:
		c.Subtype = SubtypeGuardQuery
		c.Body = json.RawMessage("{}")
		return nil
	case ActionArm:
		armed = true
	case ActionDisarm:
	default:
		return unsupported(c)
	}

	payload := map[string]string{"mode": guardModeOff}
	if armed {
		payload["mode"] = guardModeAway
	}
	if c.Params.Password != "" {
		payload["pwd"] = c.Params.Password
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	c.Subtype = SubtypeGuardSet
	c.Body = b
	c.optimistic = func(StateView) []DeviceState {
		return []DeviceState{{Category: CategorySecurityMode, ID: SecurityDeviceID, Value: SecurityState{Armed: armed}}}
	}
	return nil
}

func buildElevator(c *Command) error {
	if c.Action != ActionCall {
		return unsupported(c)
	}
	c.ID = ElevatorDeviceID
	c.Type = TypeEVCall
	c.Subtype = SubtypeEVCall
	c.Body = json.RawMessage("{}")
	c.optimistic = func(StateView) []DeviceState {
		return []DeviceState{{Category: CategoryElevator, ID: ElevatorDeviceID, Value: ElevatorState{Status: "called"}}}
	}
	return nil
}

func buildAllOff(c *Command) error {
	if c.Action != ActionTrigger && c.Action != ActionOff {
		return unsupported(c)
	}
	c.ID = AllDevicesID
	setInvoke(c, wireItem{Device: deviceAll, UID: AllDevicesID, Arg1: stateOff})
	c.optimistic = func(StateView) []DeviceState {
		return []DeviceState{{Category: CategoryAllOff, ID: AllDevicesID, Value: AllOffState{Off: true}}}
	}
	return nil
}

// loginCommand builds one step of the pin handshake. Login commands carry no category.
func loginCommand(subtype uint32, payload map[string]string) Command {
	b, _ := json.Marshal(payload) //nolint:errcheck // map[string]string always marshals
	return Command{Type: TypeLogin, Subtype: subtype, Body: b}
}
