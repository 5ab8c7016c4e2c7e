package daelim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSessionHandshakePins(t *testing.T) {
	srv := newFakeServer(t)
	sess, _ := newTestSession(t, srv)

	if sess.State() != StateReady {
		t.Fatalf("State() = %s, want ready", sess.State())
	}

	reqs := srv.received()
	if len(reqs) < 3 {
		t.Fatalf("server saw %d requests, want at least 3", len(reqs))
	}
	steps := []struct {
		subtype uint32
		pin     string
	}{
		{SubtypeCertPin, InitialPin},
		{SubtypeLoginPin, testCertPin},
		{SubtypeMenu, testLoginPin},
	}
	for i, step := range steps {
		if reqs[i].Type != TypeLogin || reqs[i].Subtype != step.subtype {
			t.Errorf("request %d = %s/%d, want login/%d", i, reqs[i].Type, reqs[i].Subtype, step.subtype)
		}
		if reqs[i].Pin != step.pin {
			t.Errorf("request %d pin = %q, want %q", i, reqs[i].Pin, step.pin)
		}
	}

	var cert map[string]string
	if err := json.Unmarshal(reqs[0].Body, &cert); err != nil {
		t.Fatalf("certpin body: %v", err)
	}
	want := map[string]string{"id": "resident", "pw": "secret", "UUID": "TESTUUID", "apartId": "A001", "dong": "101", "ho": "1203"}
	for k, v := range want {
		if cert[k] != v {
			t.Errorf("certpin %s = %q, want %q", k, cert[k], v)
		}
	}

	var login map[string]string
	if err := json.Unmarshal(reqs[1].Body, &login); err != nil {
		t.Fatalf("loginpin body: %v", err)
	}
	if login["certpin"] != testCertPin {
		t.Errorf("loginpin body certpin = %q, want %q", login["certpin"], testCertPin)
	}
}

func TestSessionInventory(t *testing.T) {
	srv := newFakeServer(t)
	sess, _ := newTestSession(t, srv)

	inv := sess.Inventory()
	if got := len(inv[CategoryLight]); got != 2 {
		t.Fatalf("lights = %d, want 2", got)
	}
	l1, ok := inv.Lookup(CategoryLight, "L1")
	if !ok || l1.Name != "Living" || !l1.Dimmable {
		t.Errorf("L1 = %+v, want dimmable Living", l1)
	}
	if l2, _ := inv.Lookup(CategoryLight, "L2"); l2.Dimmable {
		t.Error("L2 should not be dimmable")
	}
	if inv.Count() != 6 {
		t.Errorf("Count() = %d, want 6 (doorlock ignored)", inv.Count())
	}
}

func TestSessionAuthenticationFailure(t *testing.T) {
	tests := []struct {
		name    string
		subtype uint32
		code    ResultCode
	}{
		{"certpin invalid credentials", SubtypeCertPin, CodeInvalidCredentials},
		{"certpin unregistered phone", SubtypeCertPin, CodeNotRegistered},
		{"loginpin general error", SubtypeLoginPin, CodeGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t)
			srv.setHandler(func(req Frame) []Frame {
				if req.Type == TypeLogin && req.Subtype == tt.subtype {
					return []Frame{reply(req, tt.code, `{}`)}
				}
				return defaultHandler(req)
			})

			profile := testProfile()
			sess := NewSession(SessionConfig{Profile: &profile, Dialer: srv.dial, CommandTimeout: time.Second})
			err := sess.Open(context.Background())
			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("Open() error = %v, want ErrAuthenticationFailed", err)
			}
			if code, ok := ResultCodeOf(err); !ok || code != tt.code {
				t.Errorf("ResultCodeOf() = %d, %v; want %d", code, ok, tt.code)
			}
			if sess.State() != StateDisconnected {
				t.Errorf("State() = %s, want disconnected", sess.State())
			}
		})
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(Frame) []Frame { return nil })

	profile := testProfile()
	sess := NewSession(SessionConfig{Profile: &profile, Dialer: srv.dial, CommandTimeout: 50 * time.Millisecond})
	err := sess.Open(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Open() error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Error("a timeout must not be reported as an authentication failure")
	}
}

func TestSessionMenuRefusedStillReady(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeLogin && req.Subtype == SubtypeMenu {
			return []Frame{reply(req, CodeGeneral, `{}`)}
		}
		return defaultHandler(req)
	})
	sess, _ := newTestSession(t, srv)
	if sess.State() != StateReady {
		t.Errorf("State() = %s, want ready", sess.State())
	}
	if sess.Inventory().Count() != 0 {
		t.Error("inventory should be empty when the menu is refused")
	}
}

// Responses come back in reverse order; each caller must still get its own.
func TestSessionConcurrentCorrelation(t *testing.T) {
	const n = 8
	srv := newFakeServer(t)

	var mu sync.Mutex
	var held []Frame
	srv.setHandler(func(req Frame) []Frame {
		if req.Type != TypeDevice || req.Subtype != SubtypeDeviceInvoke {
			return defaultHandler(req)
		}
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < n {
			return nil
		}
		out := make([]Frame, 0, n)
		for i := len(held) - 1; i >= 0; i-- {
			out = append(out, reply(held[i], CodeSuccess, string(held[i].Body)))
		}
		return out
	})
	sess, _ := newTestSession(t, srv)
	sess.cfg.CommandTimeout = 2 * time.Second

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("O%d", i)
			cmd, err := BuildCommand(CategoryOutlet, id, ActionOn, Params{})
			if err != nil {
				errs <- err
				return
			}
			res, err := sess.Send(context.Background(), cmd)
			if err != nil {
				errs <- err
				return
			}
			if len(res.States) != 1 || res.States[0].ID != id {
				errs <- fmt.Errorf("command for %s got states %+v", id, res.States)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSessionFallbackMatchWithoutSeq(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeGuard && req.Subtype == SubtypeGuardQuery {
			resp := reply(req, CodeSuccess, `{"mode":"1"}`)
			resp.Seq = 0
			return []Frame{resp}
		}
		return defaultHandler(req)
	})
	sess, store := newTestSession(t, srv)

	cmd, err := BuildCommand(CategorySecurityMode, "", ActionQuery, Params{})
	if err != nil {
		t.Fatalf("BuildCommand() error: %v", err)
	}
	if _, err := sess.Send(context.Background(), cmd); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	v, ok := store.Value(CategorySecurityMode, SecurityDeviceID)
	if !ok || v != (SecurityState{Armed: true}) {
		t.Errorf("guard state = %+v, want armed", v)
	}
}

func TestSessionEOFReleasesPending(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeDevice {
			return nil
		}
		return defaultHandler(req)
	})
	sess, _ := newTestSession(t, srv)
	sess.cfg.CommandTimeout = 5 * time.Second

	const n = 4
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd, _ := BuildCommand(CategoryOutlet, fmt.Sprintf("O%d", i), ActionOff, Params{})
			_, err := sess.Send(context.Background(), cmd)
			results <- err
		}(i)
	}

	waitFor(t, "commands pending", func() bool { return sess.Pending() == n })
	srv.drop()

	wg.Wait()
	close(results)
	count := 0
	for err := range results {
		count++
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Send() error = %v, want ErrConnectionClosed", err)
		}
	}
	if count != n {
		t.Errorf("released %d commands, want %d", count, n)
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close")
	}
	if sess.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", sess.State())
	}
	if sess.Pending() != 0 {
		t.Errorf("Pending() = %d after close", sess.Pending())
	}

	cmd, _ := BuildCommand(CategoryOutlet, "O1", ActionOn, Params{})
	if _, err := sess.Send(context.Background(), cmd); !errors.Is(err, ErrConnectionUnavailable) {
		t.Errorf("Send() after close error = %v, want ErrConnectionUnavailable", err)
	}
}

func TestSessionServerHangsUpDuringLogin(t *testing.T) {
	tests := []struct {
		name        string
		after       uint32
		mustFail    bool
		repetitions int
	}{
		{"after loginpin", SubtypeLoginPin, true, 20},
		{"after menu", SubtypeMenu, false, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t)
			srv.setHangUp(afterLoginStep(tt.after))
			profile := testProfile()

			for i := 0; i < tt.repetitions; i++ {
				sess := NewSession(SessionConfig{
					Profile:        &profile,
					Dialer:         srv.dial,
					CommandTimeout: time.Second,
				})
				err := sess.Open(context.Background())
				switch {
				case err != nil && errors.Is(err, ErrAuthenticationFailed):
					t.Fatalf("Open() error = %v, a dropped connection is not a login refusal", err)
				case err != nil && !errors.Is(err, ErrConnectionClosed):
					t.Fatalf("Open() error = %v, want ErrConnectionClosed", err)
				case err == nil && tt.mustFail:
					t.Fatal("Open() succeeded on a connection closed before the menu reply")
				}

				select {
				case <-sess.Done():
				case <-time.After(time.Second):
					t.Fatal("session did not end after the server hung up")
				}
				if st := sess.State(); st != StateDisconnected {
					t.Fatalf("State() = %s after Done, want disconnected", st)
				}
				if !sess.ReadySince().IsZero() {
					t.Error("ReadySince() set on an ended session")
				}
				_ = sess.Close()
			}
		})
	}
}

func TestSessionCommandTimeout(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeDevice {
			return nil
		}
		return defaultHandler(req)
	})
	sess, _ := newTestSession(t, srv)

	cmd, _ := BuildCommand(CategoryOutlet, "O1", ActionOn, Params{})
	_, err := sess.Send(context.Background(), cmd)
	if !errors.Is(err, ErrCommandTimedOut) {
		t.Fatalf("Send() error = %v, want ErrCommandTimedOut", err)
	}
	if sess.State() != StateReady {
		t.Errorf("a single timeout must not close the session, state = %s", sess.State())
	}
	if sess.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", sess.Pending())
	}
}

func TestSessionContextCancel(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeDevice {
			return nil
		}
		return defaultHandler(req)
	})
	sess, _ := newTestSession(t, srv)
	sess.cfg.CommandTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	cmd, _ := BuildCommand(CategoryOutlet, "O1", ActionOn, Params{})
	if _, err := sess.Send(ctx, cmd); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestSessionRejectedCommand(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeGuard && req.Subtype == SubtypeGuardSet {
			return []Frame{reply(req, CodeAwayModeBlocked, `{}`)}
		}
		return defaultHandler(req)
	})
	sess, store := newTestSession(t, srv)

	cmd, _ := BuildCommand(CategorySecurityMode, "", ActionArm, Params{})
	_, err := sess.Send(context.Background(), cmd)
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("Send() error = %v, want ErrCommandRejected", err)
	}
	if code, _ := ResultCodeOf(err); code != CodeAwayModeBlocked {
		t.Errorf("code = %d, want %d", code, CodeAwayModeBlocked)
	}
	if _, ok := store.Value(CategorySecurityMode, SecurityDeviceID); ok {
		t.Error("a rejected command must not change the store")
	}
	if sess.State() != StateReady {
		t.Errorf("State() = %s, want ready", sess.State())
	}
}

func TestSessionExpiryTearsDown(t *testing.T) {
	srv := newFakeServer(t)
	srv.setHandler(func(req Frame) []Frame {
		if req.Type == TypeDevice {
			return []Frame{reply(req, CodeSessionExpired, `{}`)}
		}
		return defaultHandler(req)
	})
	sess, _ := newTestSession(t, srv)

	cmd, _ := BuildCommand(CategoryOutlet, "O1", ActionOn, Params{})
	_, err := sess.Send(context.Background(), cmd)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Send() error = %v, want ErrSessionExpired", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session expiry did not close the session")
	}
	if !errors.Is(sess.Err(), ErrSessionExpired) {
		t.Errorf("Err() = %v, want ErrSessionExpired", sess.Err())
	}
}

func TestSessionMalformedFrameTearsDown(t *testing.T) {
	srv := newFakeServer(t)
	sess, _ := newTestSession(t, srv)

	conn := srv.lastConn()
	if _, err := conn.Write([]byte{0, 0, 0, 1, 0xff}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("malformed frame did not close the session")
	}
	if !errors.Is(sess.Err(), ErrMalformedFrame) {
		t.Errorf("Err() = %v, want ErrMalformedFrame", sess.Err())
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	sess, _ := newTestSession(t, srv)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if sess.Err() != nil {
		t.Errorf("Err() = %v after client close, want nil", sess.Err())
	}
	if err := sess.Open(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("reopen error = %v, want ErrConnectionClosed", err)
	}
}
