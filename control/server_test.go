package control

import (
	iface "ButtonCutter/interface"
	"ButtonCutter/pipeline"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	status  pipeline.Status
	busy    bool
	homeErr error
	homed   int
}

func (f *fakeRunner) Status() pipeline.Status { return f.status }

func (f *fakeRunner) Abort() bool {
	was := f.busy
	f.busy = false
	return was
}

func (f *fakeRunner) Home(context.Context) error {
	if f.homeErr != nil {
		return f.homeErr
	}
	f.homed++
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestRouter_PingAndStatus(t *testing.T) {
	r := NewRouter(&fakeRunner{status: pipeline.Status{Mode: "continuous", Target: "button", Frames: 42, MappingReady: true}}, NewHub(4))

	code, body := do(t, r, http.MethodGet, "/api/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body["message"])

	code, body = do(t, r, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "button", data["target"])
	assert.Equal(t, float64(42), data["frames"])
	assert.Equal(t, true, data["mappingReady"])
}

func TestRouter_Abort(t *testing.T) {
	runner := &fakeRunner{}
	r := NewRouter(runner, NewHub(4))

	code, _ := do(t, r, http.MethodPost, "/api/sequence/abort")
	assert.Equal(t, http.StatusConflict, code)

	runner.busy = true
	code, body := do(t, r, http.MethodPost, "/api/sequence/abort")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Sequence aborted", body["data"])
}

func TestRouter_Home(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"idle", nil, http.StatusOK},
		{"busy", pipeline.ErrBusy, http.StatusConflict},
		{"no actuator", pipeline.ErrNoActuator, http.StatusServiceUnavailable},
		{"transport", errors.New("port vanished"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{homeErr: tt.err}
			code, _ := do(t, NewRouter(runner, NewHub(4)), http.MethodPost, "/api/actuator/home")
			assert.Equal(t, tt.want, code)
			if tt.err == nil {
				assert.Equal(t, 1, runner.homed)
			}
		})
	}
}

func TestEvents_Websocket(t *testing.T) {
	hub := NewHub(4)
	srv := httptest.NewServer(NewRouter(&fakeRunner{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(iface.Event{ID: "e1", Kind: iface.EventDetection, Frame: 7, Class: "button", Step: &iface.StepPoint{X: -1200, Y: -900}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev iface.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, iface.EventDetection, ev.Kind)
	assert.Equal(t, 7, ev.Frame)
	assert.Equal(t, &iface.StepPoint{X: -1200, Y: -900}, ev.Step)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(1)
	slow := &client{id: "slow", send: make(chan iface.Event, 1)}
	hub.add(slow)

	hub.Publish(iface.Event{ID: "1"})
	assert.Equal(t, 1, hub.Clients())
	hub.Publish(iface.Event{ID: "2"})
	assert.Equal(t, 0, hub.Clients())

	ev, ok := <-slow.send
	assert.True(t, ok)
	assert.Equal(t, "1", ev.ID)
	_, ok = <-slow.send
	assert.False(t, ok)

	// publishing with no clients is a no-op
	hub.Publish(iface.Event{ID: "3"})
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(2)
	c := &client{id: "c", send: make(chan iface.Event, 2)}
	hub.add(c)
	hub.Close()
	assert.Equal(t, 0, hub.Clients())
	_, ok := <-c.send
	assert.False(t, ok)
	// removing after close must not double-close
	hub.remove(c)
}
