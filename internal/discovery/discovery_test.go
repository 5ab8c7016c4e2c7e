package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

const choicePage = `<html><script>
var region = [];
region.push({
	apartId: "1001",
	name: "e-Pyunhan Sesang Songdo",
	danjiDirectoryName: "songdo",
	ip: '203.0.113.10',
	danjiDongInfo: "101,102, 103",
	danjiArea: "Incheon",
	status: "LIVE"
});
region.push({apartId: "1002", name: 'Test Complex', danjiDirectoryName: "test", status: "DEV"});
region.push({apartId: 1003, name: "Gangnam", danjiDirectoryName: "gangnam", ip: "203.0.113.20", status: "LIVE"});
region.push({name: "No Id", status: "LIVE"});
</script></html>`

// fakeService mimics the vendor endpoints used by the client.
type fakeService struct {
	*httptest.Server
	mu        sync.Mutex
	loginForm map[string]string
	sawIntro  bool
	loginCode int
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{loginCode: http.StatusFound}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /main/choice_1.do", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.UserAgent(), "iPhone") {
			http.Error(w, "desktop", http.StatusForbidden)
			return
		}
		w.Write([]byte(choicePage)) //nolint:errcheck // test server
	})
	mux.HandleFunc("GET /main/intro.do", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.sawIntro = true
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "intro-session", Path: "/"})
		w.Write([]byte("intro")) //nolint:errcheck // test server
	})
	mux.HandleFunc("POST /json/selectApartInfoCheck.do", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("apartId") {
		case "1001":
			w.Write([]byte(`{"item":[{"danjiDirectoryName":"songdo","danjiName":"Songdo","ipAddress":"203.0.113.10"}]}`)) //nolint:errcheck // test server
		case "1004":
			w.Write([]byte(`{"item":[{"danjiDirectoryName":"noip","danjiName":"No IP"}]}`)) //nolint:errcheck // test server
		case "garbage":
			w.Write([]byte(`<html>`)) //nolint:errcheck // test server
		default:
			w.Write([]byte(`{"item":[]}`)) //nolint:errcheck // test server
		}
	})
	mux.HandleFunc("POST /songdo/main/loginProc.do", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		f.mu.Lock()
		f.loginForm = map[string]string{}
		for k := range r.PostForm {
			f.loginForm[k] = r.PostForm.Get(k)
		}
		if ck, err := r.Cookie(sessionCookie); err == nil {
			f.loginForm["cookie"] = ck.Value
		}
		code := f.loginCode
		f.mu.Unlock()

		if code == http.StatusFound {
			http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "logged-in", Path: "/"})
			w.Header().Set("Location", "/songdo/main/main.do")
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("/songdo/main/main.do", func(http.ResponseWriter, *http.Request) {
		t.Error("redirect must not be followed")
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestClient(t *testing.T, srv *fakeService) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "://"} {
		if _, err := New(Options{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) should fail", raw)
		}
	}
	c, err := New(Options{})
	if err != nil || c.endpoint("/x") != DefaultBaseURL+"/x" {
		t.Errorf("default base = %v, %v", c, err)
	}
}

func TestParseApartments(t *testing.T) {
	got := ParseApartments(choicePage)
	if len(got) != 3 {
		t.Fatalf("parsed %d apartments, want 3: %+v", len(got), got)
	}
	want := Apartment{
		ID:            "1001",
		Name:          "e-Pyunhan Sesang Songdo",
		DirectoryName: "songdo",
		ServerAddress: "203.0.113.10",
		BuildingInfo:  "101,102, 103",
		Area:          "Incheon",
		Status:        StatusLive,
	}
	if got[0] != want {
		t.Errorf("first = %+v\nwant    %+v", got[0], want)
	}
	if got[1].Name != "Test Complex" || got[1].Status != "DEV" {
		t.Errorf("single-quoted value = %+v", got[1])
	}
	if got[2].ID != "1003" {
		t.Errorf("unquoted id = %q", got[2].ID)
	}
}

func TestBuildings(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"101,102, 103", []string{"101", "102", "103"}},
		{" 201 ,,202,", []string{"201", "202"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Buildings(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Buildings(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestListApartments_LiveOnly(t *testing.T) {
	srv := newFakeService(t)
	got, err := newTestClient(t, srv).ListApartments(context.Background())
	if err != nil {
		t.Fatalf("ListApartments() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "1001" || got[1].ID != "1003" {
		t.Errorf("apartments = %+v", got)
	}
	if b := got[0].Buildings(); len(b) != 3 {
		t.Errorf("buildings = %v", b)
	}
}

func TestListApartments_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c, _ := New(Options{BaseURL: srv.URL})
	if _, err := c.ListApartments(context.Background()); !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("error = %v, want ErrUnexpectedStatus", err)
	}
}

func TestLookupApartment(t *testing.T) {
	c := newTestClient(t, newFakeService(t))
	ctx := context.Background()

	info, err := c.LookupApartment(ctx, "1001")
	if err != nil {
		t.Fatalf("LookupApartment() error = %v", err)
	}
	if info.DirectoryName != "songdo" || info.ServerAddress != "203.0.113.10" || info.ComplexID != "1001" {
		t.Errorf("info = %+v", info)
	}

	if _, err := c.LookupApartment(ctx, "9999"); !errors.Is(err, ErrApartmentNotFound) {
		t.Errorf("unknown id error = %v", err)
	}
	if _, err := c.LookupApartment(ctx, ""); !errors.Is(err, ErrApartmentNotFound) {
		t.Errorf("empty id error = %v", err)
	}
	if _, err := c.LookupApartment(ctx, "garbage"); err == nil {
		t.Error("undecodable answer should fail")
	}
}

func TestValidateLogin(t *testing.T) {
	srv := newFakeService(t)
	c := newTestClient(t, srv)
	creds := Credentials{ComplexID: "1001", Building: "101", Unit: "1203", Username: "resident", Password: "pw"}

	info, err := c.ValidateLogin(context.Background(), creds)
	if err != nil {
		t.Fatalf("ValidateLogin() error = %v", err)
	}
	if info.DirectoryName != "songdo" {
		t.Errorf("info = %+v", info)
	}

	srv.mu.Lock()
	form, sawIntro := srv.loginForm, srv.sawIntro
	srv.mu.Unlock()
	if !sawIntro {
		t.Error("intro page was not visited")
	}
	want := map[string]string{
		"user_id":    "resident",
		"danji_name": "songdo",
		"dong":       "101",
		"ho":         "1203",
		"cookie":     "intro-session",
	}
	if !reflect.DeepEqual(form, want) {
		t.Errorf("login form = %v, want %v", form, want)
	}
}

func TestValidateLogin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		creds   Credentials
		wantErr error
	}{
		{"refused", http.StatusUnauthorized, Credentials{ComplexID: "1001", Building: "1", Unit: "1", Username: "u"}, ErrLoginFailed},
		{"no cookie", http.StatusOK, Credentials{ComplexID: "1001", Building: "1", Unit: "1", Username: "u"}, ErrLoginFailed},
		{"unknown complex", http.StatusFound, Credentials{ComplexID: "9999", Building: "1", Unit: "1", Username: "u"}, ErrApartmentNotFound},
		{"missing fields", http.StatusFound, Credentials{ComplexID: "1001"}, ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeService(t)
			srv.loginCode = tt.code
			_, err := newTestClient(t, srv).ValidateLogin(context.Background(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProfile(t *testing.T) {
	c := newTestClient(t, newFakeService(t))
	creds := Credentials{ComplexID: "1001", Building: "101", Unit: "1203", Username: "resident", Password: "pw"}

	p, err := c.Profile(context.Background(), creds, 0, "ABC")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	want := daelim.ApartmentProfile{
		ServerAddress:  "203.0.113.10",
		ComplexID:      "1001",
		BuildingNumber: "101",
		UnitNumber:     "1203",
		Username:       "resident",
		Password:       "pw",
		DeviceUUID:     "ABC",
	}
	if p != want {
		t.Errorf("profile = %+v", p)
	}
	if p.Port() != daelim.DefaultPort {
		t.Errorf("port = %d", p.Port())
	}

	creds.ComplexID = "1004"
	if _, err := c.Profile(context.Background(), creds, 0, ""); !errors.Is(err, ErrApartmentNotFound) {
		t.Errorf("no address error = %v", err)
	}

	creds.ComplexID = "1001"
	creds.Password = ""
	if _, err := c.Profile(context.Background(), creds, 0, ""); err == nil {
		t.Error("profile without password should fail validation")
	}
}
