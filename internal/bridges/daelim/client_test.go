package daelim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientStartupPopulatesStore(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)

	inv := c.Inventory()
	if inv.Count() != 6 {
		t.Errorf("inventory count = %d, want 6", inv.Count())
	}
	if d, ok := inv.Lookup(CategoryLight, "L1"); !ok || !d.Dimmable || d.Name != "Living" {
		t.Errorf("L1 = %+v, %v", d, ok)
	}

	want := map[string]Value{
		"light/L1":            LightState{On: false, Dimmable: true},
		"light/L2":            LightState{On: true},
		"heating/H1":          HeatingState{On: true, Target: 22, Current: 20.5},
		"gas_valve/G1":        GasValveState{Closed: false},
		"ventilation/F1":      VentilationState{On: false, Speed: 0, Auto: false, RunningTime: "0"},
		"outlet/O1":           OutletState{On: true},
		"security_mode/guard": SecurityState{Armed: false},
	}
	states := c.States()
	if len(states) != len(want) {
		t.Fatalf("states = %d, want %d", len(states), len(want))
	}
	for _, st := range states {
		if w, ok := want[st.Key()]; !ok || st.Value != w {
			t.Errorf("%s = %+v, want %+v", st.Key(), st.Value, w)
		}
		if st.Stale {
			t.Errorf("%s stale after resync", st.Key())
		}
	}
}

func TestClientLightDimUpdatesStoreOnce(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	drainRouter(t, c)

	var notified atomic.Int32
	c.Category(CategoryLight).Subscribe(func(st DeviceState) {
		if st.ID == "L1" {
			notified.Add(1)
		}
	})

	before := c.Store().Updates()
	res, err := c.Category(CategoryLight).Issue(context.Background(), "L1", ActionSet, Params{Dim: intPtr(2)})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if delta := c.Store().Updates() - before; delta != 1 {
		t.Errorf("store updates = %d, want 1", delta)
	}

	want := LightState{On: true, Dim: 2, Dimmable: true}
	if len(res.States) != 1 || res.States[0].Value != want {
		t.Errorf("result states = %+v", res.States)
	}
	st, err := c.Category(CategoryLight).State("L1")
	if err != nil || st.Value != want {
		t.Errorf("stored L1 = %+v, %v", st, err)
	}
	waitFor(t, "L1 notification", func() bool { return notified.Load() == 1 })

	invokes := srv.receivedOf(TypeDevice, SubtypeDeviceInvoke)
	if len(invokes) != 1 {
		t.Fatalf("invokes sent = %d, want 1", len(invokes))
	}
	if invokes[0].Pin != testLoginPin {
		t.Errorf("invoke pin = %q, want login pin", invokes[0].Pin)
	}
}

func TestClientGasOpenRefusedConcurrently(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	gas := c.Category(CategoryGasValve)

	var wg sync.WaitGroup
	var openErr, closeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, openErr = gas.Issue(context.Background(), "G1", ActionOpen, Params{})
	}()
	go func() {
		defer wg.Done()
		_, closeErr = gas.Issue(context.Background(), "G1", ActionClose, Params{})
	}()
	wg.Wait()

	if !errors.Is(openErr, ErrUnsafeAction) {
		t.Errorf("open error = %v, want ErrUnsafeAction", openErr)
	}
	if closeErr != nil {
		t.Errorf("close error = %v", closeErr)
	}
	if n := len(srv.receivedOf(TypeDevice, SubtypeDeviceInvoke)); n != 1 {
		t.Errorf("invokes sent = %d, want only the close", n)
	}
	st, err := gas.State("G1")
	if err != nil || st.Value != (GasValveState{Closed: true}) {
		t.Errorf("G1 = %+v, %v", st, err)
	}
}

func TestClientGuardPushReachesSubscriber(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	drainRouter(t, c)

	var mu sync.Mutex
	var got []DeviceState
	c.Subscribe(CategorySecurityMode, func(st DeviceState) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	})

	srv.push(pushFrame(TypeGuard, SubtypeGuardQuery+1, `{"mode":"1"}`))

	waitFor(t, "guard push", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Value != (SecurityState{Armed: true}) {
		t.Errorf("notifications = %+v", got)
	}
}

func TestClientElevatorAndAllOff(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)

	res, err := c.Issue(context.Background(), CategoryElevator, "", ActionCall, Params{})
	if err != nil {
		t.Fatalf("elevator call error: %v", err)
	}
	if len(res.States) != 1 || res.States[0].Value != (ElevatorState{Status: "called"}) {
		t.Errorf("elevator states = %+v", res.States)
	}

	res, err = c.Issue(context.Background(), CategoryAllOff, "", ActionTrigger, Params{})
	if err != nil {
		t.Fatalf("all off error: %v", err)
	}
	if len(res.States) != 1 || res.States[0].Key() != "all_off/all" {
		t.Errorf("all off states = %+v", res.States)
	}
}

func TestDeviceControllerAvailable(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeLogin && req.Subtype == SubtypeMenu {
			return []Frame{reply(req, CodeSuccess, `{"controlinfo":{"light":[{"uid":"L1","uname":"Hall"}]}}`)}
		}
		return defaultHandler(req)
	})
	c := newTestClient(t, srv, nil)

	tests := []struct {
		category Category
		want     bool
	}{
		{CategoryLight, true},
		{CategoryOutlet, false},
		{CategorySecurityMode, true},
		{CategoryElevator, true},
	}
	for _, tt := range tests {
		if got := c.Category(tt.category).Available(); got != tt.want {
			t.Errorf("%s Available() = %v, want %v", tt.category, got, tt.want)
		}
	}
	if n := len(srv.receivedOf(TypeDevice, SubtypeDeviceQuery)); n != 1 {
		t.Errorf("resync queries = %d, want 1 (light only)", n)
	}

	_ = c.Close()
	if c.Category(CategoryLight).Available() {
		t.Error("Available() after Close = true")
	}
}

func TestClientSeedKeepsStaleUntilConfirmed(t *testing.T) {
	srv := newFakeServer(t)
	c, err := NewClient(Options{Profile: testProfile(), Dialer: srv.dial, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	n := c.Seed([]DeviceState{
		{Category: CategoryOutlet, ID: "O1", Value: OutletState{On: false}},
		{Category: CategoryOutlet, ID: "O9", Value: OutletState{On: true}},
	})
	if n != 2 {
		t.Fatalf("Seed() = %d, want 2", n)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}

	o1, _ := c.State(CategoryOutlet, "O1")
	if o1.Stale || o1.Value != (OutletState{On: true}) {
		t.Errorf("O1 = %+v, want confirmed on", o1)
	}
	o9, _ := c.State(CategoryOutlet, "O9")
	if !o9.Stale {
		t.Error("O9 was never confirmed and should stay stale")
	}
}

// drainRouter waits until every store update so far has been delivered.
func drainRouter(t *testing.T, c *Client) {
	t.Helper()
	waitFor(t, "router drain", func() bool {
		return c.RouterStats().Delivered == c.Store().Updates()
	})
}
