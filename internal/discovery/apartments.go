package discovery

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// StatusLive marks complexes in service.
const StatusLive = "LIVE"

// Apartment is one entry of the complex list.
type Apartment struct {
	ID            string
	Name          string
	DirectoryName string
	ServerAddress string
	BuildingInfo  string
	Area          string
	Status        string
}

// Buildings returns the building numbers of the complex.
func (a Apartment) Buildings() []string {
	return Buildings(a.BuildingInfo)
}

var (
	// pushBlock matches one region.push({...}) call in the choice page.
	pushBlock = regexp.MustCompile(`(?s)region\.push\(\{([^}]+)\}\)`)

	// keyValue matches key: "v", key: 'v' or key: v inside a block.
	keyValue = regexp.MustCompile(`(\w+)\s*:\s*(?:"([^"]*)"|'([^']*)'|([^,\n]+))`)
)

// ListApartments fetches the complex list and returns the complexes in
// service.
func (c *Client) ListApartments(ctx context.Context) ([]Apartment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/main/choice_1.do"), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	_, body, err := c.do(c.httpClient(nil), req)
	if err != nil {
		return nil, err
	}

	all := ParseApartments(string(body))
	live := make([]Apartment, 0, len(all))
	for _, a := range all {
		if a.Status == StatusLive {
			live = append(live, a)
		}
	}
	if c.logger != nil {
		c.logger.Info("fetched apartment list", "total", len(all), "live", len(live))
	}
	return live, nil
}

// ParseApartments extracts every complex with an id and a name from the
// choice page, whatever its status.
func ParseApartments(html string) []Apartment {
	var out []Apartment
	for _, block := range pushBlock.FindAllStringSubmatch(html, -1) {
		fields := make(map[string]string)
		for _, kv := range keyValue.FindAllStringSubmatch(block[1], -1) {
			v := kv[2] + kv[3] + kv[4]
			v = strings.Trim(strings.TrimSpace(v), `"'`)
			if v != "" {
				fields[kv[1]] = v
			}
		}
		a := Apartment{
			ID:            fields["apartId"],
			Name:          fields["name"],
			DirectoryName: fields["danjiDirectoryName"],
			ServerAddress: fields["ip"],
			BuildingInfo:  fields["danjiDongInfo"],
			Area:          fields["danjiArea"],
			Status:        fields["status"],
		}
		if a.ID != "" && a.Name != "" {
			out = append(out, a)
		}
	}
	return out
}

// Buildings splits a comma separated building list such as "101,102, 103".
func Buildings(info string) []string {
	var out []string
	for _, b := range strings.Split(info, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
