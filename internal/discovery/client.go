package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// DefaultBaseURL is the public vendor service.
const DefaultBaseURL = "https://smarthome.daelim.co.kr"

const (
	defaultTimeout = 30 * time.Second

	// userAgent matches the mobile app; the service serves a different page
	// to desktop browsers.
	userAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 18_7 like Mac OS X) " +
		"AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"

	sessionCookie = "JSESSIONID"

	// maxBodySize bounds any response read from the service.
	maxBodySize = 4 << 20
)

// Options configures a Client.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper

	Logger daelim.Logger
}

// Client queries the vendor web service.
//
// Thread Safety: safe for concurrent use; each login uses its own cookie jar.
type Client struct {
	base      *url.URL
	timeout   time.Duration
	transport http.RoundTripper
	logger    daelim.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", raw)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: base, timeout: timeout, transport: opts.Transport, logger: opts.Logger}, nil
}

// httpClient returns a client that keeps cookies in jar and does not follow
// redirects, so the login answer can be inspected.
func (c *Client) httpClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport: c.transport,
		Timeout:   c.timeout,
		Jar:       jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// do sends req and returns the body of a 2xx or 3xx answer.
func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, []byte, error) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, body, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, req.URL.Path, resp.StatusCode)
	}
	return resp, body, nil
}

func (c *Client) postForm(ctx context.Context, hc *http.Client, path string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "*/*")
	return c.do(hc, req)
}

// ApartmentInfo is the answer of the per-complex lookup.
type ApartmentInfo struct {
	ComplexID     string `json:"-"`
	DirectoryName string `json:"danjiDirectoryName"`
	DisplayName   string `json:"danjiName"`
	ServerAddress string `json:"ipAddress"`
	BuildingInfo  string `json:"danjiDongInfo,omitempty"`
}

// LookupApartment resolves the directory name and session server address
// of a complex.
func (c *Client) LookupApartment(ctx context.Context, complexID string) (ApartmentInfo, error) {
	return c.lookup(ctx, c.httpClient(nil), complexID)
}

func (c *Client) lookup(ctx context.Context, hc *http.Client, complexID string) (ApartmentInfo, error) {
	if complexID == "" {
		return ApartmentInfo{}, fmt.Errorf("%w: empty complex id", ErrApartmentNotFound)
	}
	_, body, err := c.postForm(ctx, hc, "/json/selectApartInfoCheck.do", url.Values{"apartId": {complexID}})
	if err != nil {
		return ApartmentInfo{}, err
	}

	var resp struct {
		Item []ApartmentInfo `json:"item"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ApartmentInfo{}, fmt.Errorf("decoding apartment info: %w", err)
	}
	if len(resp.Item) == 0 || resp.Item[0].DirectoryName == "" {
		return ApartmentInfo{}, fmt.Errorf("%w: %s", ErrApartmentNotFound, complexID)
	}
	info := resp.Item[0]
	info.ComplexID = complexID
	if c.logger != nil {
		c.logger.Info("resolved apartment", "complex_id", complexID, "directory", info.DirectoryName, "server", info.ServerAddress)
	}
	return info, nil
}

// Credentials identify a resident account.
type Credentials struct {
	ComplexID string
	Building  string
	Unit      string
	Username  string
	Password  string
}

func (cr Credentials) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"complex id", cr.ComplexID},
		{"building", cr.Building},
		{"unit", cr.Unit},
		{"username", cr.Username},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateLogin performs the web login (intro page, lookup, loginProc) and
// reports whether the service accepted the resident. It returns the
// resolved apartment on success.
func (c *Client) ValidateLogin(ctx context.Context, creds Credentials) (ApartmentInfo, error) {
	if err := creds.validate(); err != nil {
		return ApartmentInfo{}, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return ApartmentInfo{}, fmt.Errorf("creating cookie jar: %w", err)
	}
	hc := c.httpClient(jar)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/main/intro.do"), nil)
	if err != nil {
		return ApartmentInfo{}, fmt.Errorf("building request: %w", err)
	}
	if _, _, err := c.do(hc, req); err != nil {
		// A missing intro session is not fatal; loginProc issues its own.
		if c.logger != nil {
			c.logger.Warn("intro page failed", "error", err)
		}
	}

	info, err := c.lookup(ctx, hc, creds.ComplexID)
	if err != nil {
		return ApartmentInfo{}, err
	}

	form := url.Values{
		"user_id":    {creds.Username},
		"danji_name": {info.DirectoryName},
		"dong":       {creds.Building},
		"ho":         {creds.Unit},
	}
	path := "/" + url.PathEscape(info.DirectoryName) + "/main/loginProc.do"
	resp, _, err := c.postForm(ctx, hc, path, form)
	if err != nil {
		return ApartmentInfo{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusFound:
		return info, nil
	case resp.StatusCode == http.StatusOK && hasSessionCookie(resp):
		return info, nil
	default:
		return ApartmentInfo{}, fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}
}

func hasSessionCookie(resp *http.Response) bool {
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			return true
		}
	}
	return false
}

// Profile resolves the complex and assembles the session profile. port 0
// selects daelim.DefaultPort.
func (c *Client) Profile(ctx context.Context, creds Credentials, port int, deviceUUID string) (daelim.ApartmentProfile, error) {
	info, err := c.LookupApartment(ctx, creds.ComplexID)
	if err != nil {
		return daelim.ApartmentProfile{}, err
	}
	if info.ServerAddress == "" {
		return daelim.ApartmentProfile{}, fmt.Errorf("%w: %s has no server address", ErrApartmentNotFound, creds.ComplexID)
	}
	p := daelim.ApartmentProfile{
		ServerAddress:  info.ServerAddress,
		ServerPort:     port,
		ComplexID:      creds.ComplexID,
		BuildingNumber: creds.Building,
		UnitNumber:     creds.Unit,
		Username:       creds.Username,
		Password:       creds.Password,
		DeviceUUID:     deviceUUID,
	}
	return p, p.Validate()
}
