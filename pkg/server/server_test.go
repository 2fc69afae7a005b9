package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/relaypilot/relaypilot/pkg/controller"
	"github.com/relaypilot/relaypilot/pkg/storage"
	"github.com/relaypilot/relaypilot/pkg/storage/storagemock"
	"github.com/relaypilot/relaypilot/pkg/types"
)

type fakeControlLoop struct {
	mu       sync.Mutex
	status   *controller.StatusSnapshot
	commands []types.Command
}

func (f *fakeControlLoop) Status() *controller.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeControlLoop) setStatus(s *controller.StatusSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeControlLoop) PostCommand(ctx context.Context, cmd types.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
}

func (f *fakeControlLoop) lastCommand(t *testing.T) types.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.commands)
	return f.commands[len(f.commands)-1]
}

func newTestServer(ctrl *fakeControlLoop, store storage.Store) *Server {
	return &Server{
		controller: ctrl,
		store:      store,
		deviceName: "house",
		bypassAuth: true,
		wsInterval: 10 * time.Millisecond,
	}
}

func testStatus() *controller.StatusSnapshot {
	return &controller.StatusSnapshot{
		DeviceName:   "house",
		Taken:        time.Now(),
		AllOnline:    true,
		CurrentPrice: 23.5,
		Outputs: []controller.OutputSnapshot{{
			Name:    "pump",
			IsOn:    true,
			Reason:  "ActiveRunPlan",
			AppMode: types.AppModeAuto,
		}},
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &fakeControlLoop{}
	srv := newTestServer(ctrl, &storagemock.MockStore{})
	handler := srv.setupHandler()

	t.Run("503 before first tick", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("returns the snapshot", func(t *testing.T) {
		ctrl.setStatus(testStatus())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var got controller.StatusSnapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "house", got.DeviceName)
		assert.Equal(t, 23.5, got.CurrentPrice)
		require.Len(t, got.Outputs, 1)
		assert.True(t, got.Outputs[0].IsOn)
	})
}

func TestHandleSetMode(t *testing.T) {
	ctrl := &fakeControlLoop{}
	srv := newTestServer(ctrl, &storagemock.MockStore{})
	handler := srv.setupHandler()

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/set_mode", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("accepted", func(t *testing.T) {
		w := post(`{"output":"pump","mode":"off","revertMinutes":60}`)
		assert.Equal(t, http.StatusAccepted, w.Code)

		cmd := ctrl.lastCommand(t)
		assert.Equal(t, types.CommandSetMode, cmd.Kind)
		assert.Equal(t, "pump", cmd.OutputID)
		assert.Equal(t, types.AppModeOff, cmd.Mode)
		assert.Equal(t, 60, cmd.RevertMinutes)
	})

	t.Run("invalid mode", func(t *testing.T) {
		w := post(`{"output":"pump","mode":"standby"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing output", func(t *testing.T) {
		w := post(`{"mode":"on"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("negative revert", func(t *testing.T) {
		w := post(`{"output":"pump","mode":"on","revertMinutes":-5}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad JSON", func(t *testing.T) {
		w := post(`{not json`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleHistoryActions(t *testing.T) {
	store := &storagemock.MockStore{}
	store.On("GetActionHistory", mock.Anything, "house", mock.Anything, mock.Anything).
		Return([]storage.ActionRecord{{
			Timestamp: time.Now().Add(-time.Hour),
			Output:    "pump",
			Type:      types.ActionTurnOn,
			OK:        true,
		}}, nil)
	srv := newTestServer(&fakeControlLoop{}, store)
	handler := srv.setupHandler()

	t.Run("default range", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/history/actions", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var got []storage.ActionRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "pump", got[0].Output)
	})

	t.Run("end before start rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET",
			"/api/history/actions?start=2026-08-25T10:00:00Z&end=2026-08-25T09:00:00Z", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("range too wide rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET",
			"/api/history/actions?start=2026-08-01T00:00:00Z&end=2026-08-20T00:00:00Z", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	ctrl := &fakeControlLoop{}
	ctrl.setStatus(testStatus())
	srv := newTestServer(ctrl, &storagemock.MockStore{})
	srv.bypassAuth = false
	srv.accessKey = "secret-key"
	handler := srv.setupHandler()

	get := func(path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		if mutate != nil {
			mutate(req)
		}
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("missing credentials", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get("/api/status", nil).Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		w := get("/api/status", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer wrong")
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := get("/api/status", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic abc")
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("valid header", func(t *testing.T) {
		w := get("/api/status", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer secret-key")
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("valid query param", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get("/api/status?access_key=secret-key", nil).Code)
	})

	t.Run("healthz needs no auth", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get("/healthz", nil).Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(&fakeControlLoop{}, &storagemock.MockStore{})
	handler := srv.setupHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestWebSocketPush(t *testing.T) {
	ctrl := &fakeControlLoop{}
	ctrl.setStatus(testStatus())
	srv := newTestServer(ctrl, &storagemock.MockStore{})

	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broadcastSnapshots(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readSnapshot := func() controller.StatusSnapshot {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var got controller.StatusSnapshot
		require.NoError(t, json.Unmarshal(msg, &got))
		return got
	}

	t.Run("initial snapshot on connect", func(t *testing.T) {
		got := readSnapshot()
		assert.Equal(t, "house", got.DeviceName)
	})

	t.Run("new ticks are pushed", func(t *testing.T) {
		next := testStatus()
		next.Taken = time.Now().Add(time.Second)
		next.CurrentPrice = 31.0
		ctrl.setStatus(next)

		got := readSnapshot()
		assert.Equal(t, 31.0, got.CurrentPrice)
	})
}
