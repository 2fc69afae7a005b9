package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/relaypilot/relaypilot/pkg/common"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// Amber implements the Tariff interface for the Amber Electric REST API. It
// retrieves forward wholesale prices for the active site.
type Amber struct {
	apiURL string
	apiKey string
	client *http.Client
	tz     *time.Location

	mu     sync.Mutex
	siteID string
}

// configuredAmber sets up flags for Amber and returns the instance.
func configuredAmber() *Amber {
	a := &Amber{
		client: common.HTTPClient(10 * time.Second),
		tz:     time.Local,
	}
	apiURL := lflag.String("amber-api-url", "https://api.amber.com.au/v1", "URL for the Amber Electric API")
	apiKey := lflag.String("amber-api-key", "", "API token for the Amber Electric API")
	timeout := lflag.Duration("amber-timeout", 10*time.Second, "Timeout for Amber API requests")

	lflag.Do(func() {
		a.apiURL = *apiURL
		a.apiKey = *apiKey
		a.client = common.HTTPClient(*timeout)
	})

	return a
}

// NewAmber creates an Amber client from explicit settings, bypassing flags.
func NewAmber(apiURL, apiKey string, timeout time.Duration, tz *time.Location) *Amber {
	if tz == nil {
		tz = time.Local
	}
	return &Amber{
		apiURL: apiURL,
		apiKey: apiKey,
		client: common.HTTPClient(timeout),
		tz:     tz,
	}
}

// Validate ensures the configuration is valid.
func (a *Amber) Validate() error {
	if a.apiURL == "" {
		return fmt.Errorf("amber-api-url is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse amber url (%s): %w", a.apiURL, err)
	}
	if a.apiKey == "" {
		return fmt.Errorf("amber-api-key is required")
	}
	return nil
}

type amberSite struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Authenticate finds the active site for the configured token. The site ID is
// cached for subsequent fetches.
func (a *Amber) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	cached := a.siteID
	a.mu.Unlock()
	if cached != "" {
		return nil
	}

	var sites []amberSite
	if err := a.getJSON(ctx, a.apiURL+"/sites", &sites); err != nil {
		return fmt.Errorf("failed to fetch amber sites: %w", err)
	}
	for _, site := range sites {
		if site.Status == "active" {
			log.Ctx(ctx).DebugContext(ctx, "resolved amber site", slog.String("siteID", site.ID))
			a.mu.Lock()
			a.siteID = site.ID
			a.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("no active amber sites found")
}

type amberInterval struct {
	ChannelType string  `json:"channelType"`
	StartTime   string  `json:"startTime"`
	EndTime     string  `json:"endTime"`
	Duration    int     `json:"duration"`
	PerKWH      float64 `json:"perKwh"`
}

// FetchPrices returns the current plus next count intervals at the given
// resolution, converted to local time with seconds dropped.
func (a *Amber) FetchPrices(ctx context.Context, resolutionMinutes, count int) ([]Entry, error) {
	a.mu.Lock()
	siteID := a.siteID
	a.mu.Unlock()
	if siteID == "" {
		return nil, fmt.Errorf("amber site not resolved, authenticate first")
	}
	if (resolutionMinutes != 5 && resolutionMinutes != 30) || count <= 0 || count > 2048 {
		return nil, fmt.Errorf("invalid amber fetch parameters (resolution=%d, count=%d)", resolutionMinutes, count)
	}

	u := fmt.Sprintf("%s/sites/%s/prices/current?next=%d&previous=0&resolution=%d",
		a.apiURL, url.PathEscape(siteID), count, resolutionMinutes)
	log.Ctx(ctx).DebugContext(ctx, "fetching amber prices",
		slog.Int("resolution", resolutionMinutes), slog.Int("count", count))

	var intervals []amberInterval
	if err := a.getJSON(ctx, u, &intervals); err != nil {
		return nil, fmt.Errorf("failed to fetch amber prices: %w", err)
	}

	entries := make([]Entry, 0, len(intervals))
	for _, iv := range intervals {
		start, err := a.parseUTC(iv.StartTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse amber startTime",
				slog.String("value", iv.StartTime), slog.Any("error", err))
			continue
		}
		end, err := a.parseUTC(iv.EndTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse amber endTime",
				slog.String("value", iv.EndTime), slog.Any("error", err))
			continue
		}
		entries = append(entries, Entry{
			Channel: types.Channel(iv.ChannelType),
			Start:   start,
			End:     end,
			Minutes: iv.Duration,
			Price:   iv.PerKWH,
		})
	}
	return entries, nil
}

func (a *Amber) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("amber api returned status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseUTC converts Amber's UTC timestamps ("2025-09-26T16:25:01Z") to local
// time with seconds dropped.
func (a *Amber) parseUTC(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02T15:04:05Z", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(a.tz).Truncate(time.Minute), nil
}
