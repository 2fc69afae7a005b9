package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/relaypilot/relaypilot/pkg/common"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// Shelly implements Client for Shelly Gen2+ devices over their local HTTP RPC
// endpoint.
type Shelly struct {
	client *http.Client
	now    func() time.Time
}

// ConfiguredShelly sets up flags for the Shelly client and returns it.
func ConfiguredShelly() *Shelly {
	s := NewShelly(5 * time.Second)
	timeout := lflag.Duration("shelly-timeout", 5*time.Second, "Timeout for Shelly device requests")
	lflag.Do(func() {
		s.client = common.HTTPClient(*timeout)
	})
	return s
}

// NewShelly creates a Shelly client with the given request timeout.
func NewShelly(timeout time.Duration) *Shelly {
	return &Shelly{
		client: common.HTTPClient(timeout),
		now:    time.Now,
	}
}

type shellySwitch struct {
	ID      int     `json:"id"`
	Output  bool    `json:"output"`
	APower  float64 `json:"apower"`
	AEnergy struct {
		Total float64 `json:"total"`
	} `json:"aenergy"`
	Temperature *struct {
		TC *float64 `json:"tC"`
	} `json:"temperature"`
}

type shellyInput struct {
	ID    int  `json:"id"`
	State bool `json:"state"`
}

type shellyTemperature struct {
	ID int      `json:"id"`
	TC *float64 `json:"tC"`
}

// Refresh fetches Shelly.GetStatus and maps the component keys
// ("switch:0", "input:0", "temperature:100") into a Status.
func (s *Shelly) Refresh(ctx context.Context, dev Config) (Status, error) {
	var components map[string]json.RawMessage
	if err := s.getJSON(ctx, dev, "Shelly.GetStatus", nil, &components); err != nil {
		return Status{}, fmt.Errorf("failed to refresh device %s: %w", dev.Name, err)
	}

	status := Status{
		Online:   true,
		Switches: make(map[int]SwitchStatus),
		Inputs:   make(map[int]bool),
		Probes:   make(map[int]ProbeStatus),
	}
	for key, raw := range components {
		kind, channel, ok := splitComponentKey(key)
		if !ok {
			continue
		}
		switch kind {
		case "switch":
			var sw shellySwitch
			if err := json.Unmarshal(raw, &sw); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to decode switch status",
					slog.String("device", dev.Name), slog.String("key", key), slog.Any("error", err))
				continue
			}
			st := SwitchStatus{
				On:       sw.Output,
				PowerW:   sw.APower,
				EnergyWh: sw.AEnergy.Total,
			}
			if sw.Temperature != nil {
				st.TempC = sw.Temperature.TC
			}
			status.Switches[channel] = st
			// Hottest relay channel stands in for the device temperature.
			if st.TempC != nil && (status.TempC == nil || *st.TempC > *status.TempC) {
				status.TempC = st.TempC
			}
		case "input":
			var in shellyInput
			if err := json.Unmarshal(raw, &in); err != nil {
				continue
			}
			status.Inputs[channel] = in.State
		case "temperature":
			var temp shellyTemperature
			if err := json.Unmarshal(raw, &temp); err != nil {
				continue
			}
			probe := ProbeStatus{TempC: temp.TC}
			if temp.TC != nil {
				probe.At = s.now()
			}
			status.Probes[channel] = probe
		}
	}
	return status, nil
}

// ChangeOutput calls Switch.Set and reports whether the relay state changed.
func (s *Shelly) ChangeOutput(ctx context.Context, dev Config, channel int, on bool) (bool, error) {
	var result struct {
		WasOn bool `json:"was_on"`
	}
	params := url.Values{}
	params.Set("id", strconv.Itoa(channel))
	params.Set("on", strconv.FormatBool(on))
	if err := s.getJSON(ctx, dev, "Switch.Set", params, &result); err != nil {
		return false, fmt.Errorf("failed to change output %d on device %s: %w", channel, dev.Name, err)
	}
	return result.WasOn != on, nil
}

// GetLocation returns the location from Sys.GetConfig.
func (s *Shelly) GetLocation(ctx context.Context, dev Config) (types.Location, error) {
	var result struct {
		Location struct {
			TZ  string   `json:"tz"`
			Lat *float64 `json:"lat"`
			Lon *float64 `json:"lon"`
		} `json:"location"`
	}
	if err := s.getJSON(ctx, dev, "Sys.GetConfig", nil, &result); err != nil {
		return types.Location{}, fmt.Errorf("failed to get location from device %s: %w", dev.Name, err)
	}
	if result.Location.TZ == "" || result.Location.Lat == nil || result.Location.Lon == nil {
		return types.Location{}, fmt.Errorf("device %s did not report a location", dev.Name)
	}
	return types.Location{
		Timezone:  result.Location.TZ,
		Latitude:  *result.Location.Lat,
		Longitude: *result.Location.Lon,
	}, nil
}

func (s *Shelly) getJSON(ctx context.Context, dev Config, method string, params url.Values, out any) error {
	host := dev.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u := fmt.Sprintf("%s/rpc/%s", strings.TrimRight(host, "/"), method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device returned status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// splitComponentKey parses keys like "switch:0" into their kind and channel.
func splitComponentKey(key string) (string, int, bool) {
	kind, idStr, found := strings.Cut(key, ":")
	if !found {
		return "", 0, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return "", 0, false
	}
	return kind, id, true
}
