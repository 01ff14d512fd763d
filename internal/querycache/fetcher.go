package querycache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/segmentio/encoding/json"
)

// APIFetcher reads recent observations from the hub's HTTP API.
type APIFetcher struct {
	BaseURL string
	Limit   int
	HTTP    *http.Client
}

func (f *APIFetcher) FetchRecent(ctx context.Context, buildingID int64) ([]occupancy.Observation, error) {
	u := strings.TrimRight(f.BaseURL, "/") + "/api/buildings/" + strconv.FormatInt(buildingID, 10) + "/occupancy"
	if f.Limit > 0 {
		u += "?" + url.Values{"limit": []string{strconv.Itoa(f.Limit)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	hc := f.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: %s: %s", u, resp.Status, strings.TrimSpace(string(body)))
	}
	var obs []occupancy.Observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("decode observations: %w", err)
	}
	return obs, nil
}
