package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellyTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.RequestURI())
		switch {
		case r.URL.Path == "/rpc/Shelly.GetStatus":
			w.Write([]byte(`{
				"sys": {"uptime": 12345},
				"switch:0": {"id": 0, "output": true, "apower": 1450.5, "aenergy": {"total": 52340.2}, "temperature": {"tC": 48.2}},
				"switch:1": {"id": 1, "output": false, "apower": 0, "aenergy": {"total": 120.0}, "temperature": {"tC": 39.1}},
				"input:0": {"id": 0, "state": true},
				"temperature:100": {"id": 100, "tC": 21.5},
				"temperature:101": {"id": 101, "tC": null}
			}`))
		case r.URL.Path == "/rpc/Switch.Set":
			w.Write([]byte(`{"was_on": false}`))
		case r.URL.Path == "/rpc/Sys.GetConfig":
			w.Write([]byte(`{"location": {"tz": "Australia/Sydney", "lat": -33.87, "lon": 151.21}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestShellyRefresh(t *testing.T) {
	server, _ := shellyTestServer(t)
	s := NewShelly(time.Second)
	s.client = server.Client()
	fixed := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	dev := Config{ID: 1, Name: "garage", Host: strings.TrimPrefix(server.URL, "http://")}
	status, err := s.Refresh(context.Background(), dev)
	require.NoError(t, err)

	assert.True(t, status.Online)
	require.Len(t, status.Switches, 2)
	assert.True(t, status.Switches[0].On)
	assert.Equal(t, 1450.5, status.Switches[0].PowerW)
	assert.Equal(t, 52340.2, status.Switches[0].EnergyWh)
	assert.False(t, status.Switches[1].On)
	require.NotNil(t, status.TempC)
	assert.Equal(t, 48.2, *status.TempC, "hottest relay channel wins")

	assert.True(t, status.Inputs[0])

	require.Len(t, status.Probes, 2)
	require.NotNil(t, status.Probes[100].TempC)
	assert.Equal(t, 21.5, *status.Probes[100].TempC)
	assert.Equal(t, fixed, status.Probes[100].At)
	assert.Nil(t, status.Probes[101].TempC, "null reading stays nil")
	assert.True(t, status.Probes[101].At.IsZero())
}

func TestShellyChangeOutput(t *testing.T) {
	server, calls := shellyTestServer(t)
	s := NewShelly(time.Second)
	s.client = server.Client()
	dev := Config{ID: 1, Name: "garage", Host: server.URL}

	didChange, err := s.ChangeOutput(context.Background(), dev, 0, true)
	require.NoError(t, err)
	assert.True(t, didChange, "was off, turned on")
	require.Len(t, *calls, 1)
	assert.Contains(t, (*calls)[0], "/rpc/Switch.Set")
	assert.Contains(t, (*calls)[0], "id=0")
	assert.Contains(t, (*calls)[0], "on=true")

	didChange, err = s.ChangeOutput(context.Background(), dev, 0, false)
	require.NoError(t, err)
	assert.False(t, didChange, "already off")
}

func TestShellyGetLocation(t *testing.T) {
	server, _ := shellyTestServer(t)
	s := NewShelly(time.Second)
	s.client = server.Client()

	loc, err := s.GetLocation(context.Background(), Config{Name: "garage", Host: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "Australia/Sydney", loc.Timezone)
	assert.Equal(t, -33.87, loc.Latitude)
	assert.Equal(t, 151.21, loc.Longitude)
}

func TestShellyOfflineDevice(t *testing.T) {
	s := NewShelly(200 * time.Millisecond)
	_, err := s.Refresh(context.Background(), Config{Name: "gone", Host: "127.0.0.1:1"})
	require.Error(t, err)
}
