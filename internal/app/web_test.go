package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/ingest"
	"github.com/relabs-tech/inertial_ingest/internal/pipeline"
	"github.com/relabs-tech/inertial_ingest/internal/serialport/serialtest"
	"github.com/relabs-tech/inertial_ingest/internal/wire"
)

var testChannels = []string{"ttyA", "ttyB", "ttyC"}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T, op *serialtest.Opener) *ingest.Service {
	t.Helper()
	po := pipeline.DefaultOptions()
	po.PollInterval = time.Millisecond
	svc := ingest.NewService(op, ingest.Options{Pipeline: po})
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	svc := newTestService(t, serialtest.NewOpener())
	router := NewRouter(svc, 8, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st ingest.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Connected || len(st.Channels) != 3 || st.Policy != "keep_partial" {
		t.Errorf("status = %+v", st)
	}
}

func TestChannelEndpoint(t *testing.T) {
	svc := newTestService(t, serialtest.NewOpener())
	router := NewRouter(svc, 8, nil)

	tests := map[string]int{
		"/api/channels/1":   http.StatusOK,
		"/api/channels/3":   http.StatusOK,
		"/api/channels/0":   http.StatusNotFound,
		"/api/channels/4":   http.StatusNotFound,
		"/api/channels/one": http.StatusBadRequest,
	}
	for path, want := range tests {
		if rec := doJSON(t, router, http.MethodGet, path, nil); rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestConnectEndpoint(t *testing.T) {
	op := serialtest.NewOpener(append(testChannels, "ttyD")...)
	svc := newTestService(t, op)
	router := NewRouter(svc, 8, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/connect", connectRequest{Channels: testChannels[:2]})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("two channels = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/connect", connectRequest{Channels: testChannels})
	if rec.Code != http.StatusOK || !svc.IsConnected() {
		t.Fatalf("connect = %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/connect", connectRequest{Channels: []string{"ttyD", "ttyB", "ttyC"}})
	if rec.Code != http.StatusConflict {
		t.Errorf("other channels = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/disconnect", nil)
	if rec.Code != http.StatusOK || svc.IsConnected() {
		t.Errorf("disconnect = %d, connected=%v", rec.Code, svc.IsConnected())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/connect", connectRequest{Channels: []string{"ttyA", "ttyB", "missing"}})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("open failure = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing") {
		t.Errorf("error body does not name the port: %s", rec.Body)
	}
}

func TestFrameWebsocket(t *testing.T) {
	op := serialtest.NewOpener(testChannels...)
	svc := newTestService(t, op)
	done := make(chan struct{})
	defer close(done)

	srv := httptest.NewServer(NewRouter(svc, 8, done))
	defer srv.Close()

	if err := svc.Connect(testChannels); err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/frames"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade completes
	deadline := time.Now().Add(2 * time.Second)
	for len(svc.Status().Subscribers) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	want := imu.Frame{AX2: -321}
	op.Port("ttyB").Feed(wire.Encode(want))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got imu.Sample
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Channel != 2 || got.Frame != want || got.Session != svc.Session() {
		t.Errorf("sample = %+v", got)
	}
}
