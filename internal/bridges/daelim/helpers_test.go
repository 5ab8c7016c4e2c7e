package daelim

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testCertPin  = "CERT0001"
	testLoginPin = "LOGIN001"
)

const testMenu = `{"controlinfo":{
	"light":[{"uid":"L1","uname":"Living","dimming":"y"},{"uid":"L2","uname":"Kitchen"}],
	"heating":[{"uid":"H1","uname":"Living"}],
	"gas":[{"uid":"G1","uname":"Gas"}],
	"fan":[{"uid":"F1","uname":"Fan"}],
	"wallsocket":[{"uid":"O1","uname":"Outlet"}],
	"doorlock":[{"uid":"D1","uname":"Door"}]
}}`

var testQueryItems = map[string]string{
	deviceLight:      `[{"device":"light","uid":"L1","arg1":"off","arg3":"y"},{"device":"light","uid":"L2","arg1":"on"}]`,
	deviceHeating:    `[{"device":"heating","uid":"H1","arg1":"on","arg2":"22","arg3":"20.5"}]`,
	deviceGas:        `[{"device":"gas","uid":"G1","arg1":"on"}]`,
	deviceFan:        `[{"device":"fan","uid":"F1","arg1":"off","arg2":"01","arg3":"00","arg4":"0"}]`,
	deviceWallSocket: `[{"device":"wallsocket","uid":"O1","arg1":"on"}]`,
}

// fakeServer plays the apartment server on the far end of a net.Pipe.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	handler  func(req Frame) []Frame
	hangUp   func(req Frame) bool
	requests []Frame
	conns    []net.Conn
	dialErr  error

	dials atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t}
	s.handler = defaultHandler
	t.Cleanup(s.closeAll)
	return s
}

// dial implements Dialer.
func (s *fakeServer) dial(_ context.Context, _ string, _ int, _ time.Duration) (Transport, error) {
	s.dials.Add(1)
	s.mu.Lock()
	err := s.dialErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, server)
	s.mu.Unlock()
	go s.serve(server)
	return NewConnTransport(client, time.Second), nil
}

// afterLoginStep matches the handshake request with the given subtype.
func afterLoginStep(subtype uint32) func(req Frame) bool {
	return func(req Frame) bool { return req.Type == TypeLogin && req.Subtype == subtype }
}

func (s *fakeServer) setHandler(h func(req Frame) []Frame) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// setHangUp makes the server close the connection after answering any
// request for which fn returns true. nil disables it.
func (s *fakeServer) setHangUp(fn func(req Frame) bool) {
	s.mu.Lock()
	s.hangUp = fn
	s.mu.Unlock()
}

func (s *fakeServer) setDialErr(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

func (s *fakeServer) serve(conn net.Conn) {
	dec := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for {
			f, err := dec.Next()
			if err != nil {
				break
			}
			s.mu.Lock()
			s.requests = append(s.requests, f)
			h, hangUp := s.handler, s.hangUp
			s.mu.Unlock()

			for _, resp := range h(f) {
				if err := writeFrame(conn, resp); err != nil {
					return
				}
			}
			if hangUp != nil && hangUp(f) {
				_ = conn.Close()
				return
			}
		}
	}
}

// push writes an unsolicited frame on the most recent connection.
func (s *fakeServer) push(f Frame) {
	s.t.Helper()
	conn := s.lastConn()
	if conn == nil {
		s.t.Fatal("push: no connection")
	}
	if err := writeFrame(conn, f); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

// drop closes the most recent connection from the server side.
func (s *fakeServer) drop() {
	if conn := s.lastConn(); conn != nil {
		_ = conn.Close()
	}
}

func (s *fakeServer) lastConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.requests...)
}

func (s *fakeServer) receivedOf(t MessageType, subtype uint32) []Frame {
	var out []Frame
	for _, f := range s.received() {
		if f.Type == t && f.Subtype == subtype {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func writeFrame(conn net.Conn, f Frame) error {
	raw, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

func reply(req Frame, code ResultCode, body string) Frame {
	return Frame{
		Kind:    KindResponse,
		Seq:     req.Seq,
		Pin:     req.Pin,
		Type:    req.Type,
		Subtype: ResponseSubtype(req.Subtype),
		Code:    code,
		Body:    json.RawMessage(body),
	}
}

func pushFrame(t MessageType, subtype uint32, body string) Frame {
	return Frame{Kind: KindPush, Pin: testLoginPin, Type: t, Subtype: subtype, Body: json.RawMessage(body)}
}

// defaultHandler answers the handshake and every command successfully.
func defaultHandler(req Frame) []Frame {
	switch req.Type {
	case TypeLogin:
		switch req.Subtype {
		case SubtypeCertPin:
			return []Frame{reply(req, CodeSuccess, `{"certpin":"`+testCertPin+`"}`)}
		case SubtypeLoginPin:
			if req.Pin != testCertPin {
				return []Frame{reply(req, CodeInvalidLoginPin, `{}`)}
			}
			return []Frame{reply(req, CodeSuccess, `{"loginpin":"`+testLoginPin+`"}`)}
		case SubtypeMenu:
			return []Frame{reply(req, CodeSuccess, testMenu)}
		}
	case TypeDevice:
		if req.Subtype == SubtypeDeviceQuery {
			return []Frame{reply(req, CodeSuccess, queryResponse(req.Body))}
		}
		return []Frame{reply(req, CodeSuccess, string(req.Body))}
	case TypeGuard:
		if req.Subtype == SubtypeGuardQuery {
			return []Frame{reply(req, CodeSuccess, `{"mode":"0"}`)}
		}
		return []Frame{reply(req, CodeSuccess, `{}`)}
	case TypeEVCall:
		return []Frame{reply(req, CodeSuccess, `{}`)}
	}
	return nil
}

func queryResponse(body json.RawMessage) string {
	var q struct {
		Item []wireItem `json:"item"`
	}
	_ = json.Unmarshal(body, &q)
	items := "[]"
	if len(q.Item) > 0 {
		if it, ok := testQueryItems[q.Item[0].Device]; ok {
			items = it
		}
	}
	return `{"type":"query","item":` + items + `}`
}

func testProfile() ApartmentProfile {
	return ApartmentProfile{
		ServerAddress:  "10.0.0.1",
		ComplexID:      "A001",
		BuildingNumber: "101",
		UnitNumber:     "1203",
		Username:       "resident",
		Password:       "secret",
		DeviceUUID:     "TESTUUID",
	}
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 2 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
}

// newTestClient starts a client against srv and waits for it to be Ready.
func newTestClient(t *testing.T, srv *fakeServer, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Profile:        testProfile(),
		Dialer:         srv.dial,
		CommandTimeout: 500 * time.Millisecond,
		Backoff:        fastBackoff(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
	return c
}

// newTestSession opens a bare session against srv.
func newTestSession(t *testing.T, srv *fakeServer) (*Session, *Store) {
	t.Helper()
	profile := testProfile()
	store := NewStore()
	router := NewRouter(store, nil)
	router.Start()
	t.Cleanup(router.Close)

	sess := NewSession(SessionConfig{
		Profile:        &profile,
		Dialer:         srv.dial,
		CommandTimeout: 300 * time.Millisecond,
		Router:         router,
	})
	t.Cleanup(func() { _ = sess.Close() })
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return sess, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }
