package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"taglocator/internal/config"
	"taglocator/internal/match"
	"taglocator/internal/model"
	"taglocator/internal/pairing"
	"taglocator/internal/proximity"
	"taglocator/internal/radio"
	"taglocator/internal/scan"
	"taglocator/internal/store"
)

type stubScanner struct {
	mu      sync.Mutex
	handler radio.DiscoveryHandler
}

func (s *stubScanner) StartScan(events radio.DiscoveryHandler, _ radio.ScanErrorHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = events
	return nil
}

func (s *stubScanner) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	return nil
}

func (s *stubScanner) emit(ev model.DiscoveryEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type stubWatcher struct{}

func (stubWatcher) WatchAdapterState(func(model.RadioPowerState)) (func(), error) {
	return func() {}, nil
}

func newTestApp(t *testing.T) (*App, *stubScanner) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "taglocator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	scanner := &stubScanner{}
	tracker := proximity.NewTracker()
	matcher := match.New()

	a := New(config.Config{}, logger)
	a.store = st
	a.tracker = tracker
	a.session = scan.New(scanner, stubWatcher{}, radio.StaticPermissions{Granted: true},
		matcher, tracker, st, a.onMatch, logger)
	a.machine = pairing.New(scanner, radio.NoConnector{}, matcher, tracker, a.session, st,
		pairing.Config{}, a.onPairingEvent, logger)
	return a, scanner
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func registerAll(t *testing.T, handler http.Handler) {
	t.Helper()
	for slot, name := range map[model.TagSlot]string{
		model.SlotTag1: "keys",
		model.SlotTag2: "wallet",
		model.SlotTag3: "bag",
	} {
		rec := postJSON(t, handler, "/api/objects", map[string]string{
			"name": name, "slot": string(slot), "password": "1234",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
}

func TestRegistrationFlowStartsScanning(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()

	rec := postJSON(t, handler, "/api/objects", map[string]string{
		"name": "keys", "slot": "tag1", "password": "1111",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Registration incomplete: scanning must not start yet.
	require.Equal(t, scan.StateIdle, a.session.State())

	rec = postJSON(t, handler, "/api/objects", map[string]string{
		"name": "wallet", "slot": "tag2", "password": "2222",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, scan.StateIdle, a.session.State())

	rec = postJSON(t, handler, "/api/objects", map[string]string{
		"name": "bag", "slot": "tag3", "password": "3333",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, scan.StateScanning, a.session.State())

	complete, err := a.store.LoadSetupFlag(context.Background())
	require.NoError(t, err)
	require.True(t, complete)
}

func TestCreateObjectRejectsInvalid(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()

	rec := postJSON(t, handler, "/api/objects", map[string]string{
		"name": "keys", "slot": "tag9", "password": "1111",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, handler, "/api/objects", map[string]string{
		"name": "keys", "slot": "tag1", "password": "toolong7",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, scan.StateIdle, a.session.State())
}

func TestListObjectsOmitsPasswords(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()
	registerAll(t, handler)

	rec := get(t, handler, "/api/objects")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "1234")

	var resp struct {
		Objects []model.TrackedObject `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 3)
}

func TestProximityReflectsDiscoveries(t *testing.T) {
	a, scanner := newTestApp(t)
	handler := a.routes()
	registerAll(t, handler)

	scanner.emit(model.DiscoveryEvent{RadioID: "11:22:33:44:55:66", RSSI: -35})

	rec := get(t, handler, "/api/proximity")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Readings []proximity.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Readings, 3)
	require.Equal(t, model.SlotTag1, resp.Readings[0].Slot)
	require.True(t, resp.Readings[0].Known)
	require.Equal(t, proximity.BandVeryNear, resp.Readings[0].Band)
	require.Equal(t, proximity.BandNA, resp.Readings[1].Band)
}

func TestUpdateObjectRequiresPassword(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()
	registerAll(t, handler)

	payload, _ := json.Marshal(map[string]string{
		"password": "wrong", "name": "house keys",
	})
	req := httptest.NewRequest(http.MethodPut, "/api/objects/tag1", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	payload, _ = json.Marshal(map[string]string{
		"password": "1234", "name": "house keys", "new_password": "5678",
	})
	req = httptest.NewRequest(http.MethodPut, "/api/objects/tag1", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	obj, err := a.store.GetObject(context.Background(), model.SlotTag1)
	require.NoError(t, err)
	require.Equal(t, "house keys", obj.Name)
	require.Equal(t, "5678", obj.Password)
}

func TestPairWrongPassword(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()
	registerAll(t, handler)

	rec := postJSON(t, handler, "/api/pair", map[string]string{
		"slot": "tag2", "password": "0000",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, pairing.StateAuthFailed, a.machine.State())

	// A second attempt for the same slot goes through the retry path.
	rec = postJSON(t, handler, "/api/pair", map[string]string{
		"slot": "tag2", "password": "1234",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, pairing.StateScanning, a.machine.State())

	rec = postJSON(t, handler, "/api/pair/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pairing.StateIdle, a.machine.State())
}

func TestPairUnregisteredSlot(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()

	rec := postJSON(t, handler, "/api/pair", map[string]string{
		"slot": "tag1", "password": "1234",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommandWithoutConnection(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()

	rec := postJSON(t, handler, "/api/command", map[string]string{
		"command": radio.CmdToggleBuzzer,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLifecyclePausesScan(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()
	registerAll(t, handler)
	require.Equal(t, scan.StateScanning, a.session.State())

	rec := postJSON(t, handler, "/api/lifecycle", map[string]string{"state": "background"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, scan.StatePaused, a.session.State())

	rec = postJSON(t, handler, "/api/lifecycle", map[string]string{"state": "active"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, scan.StateScanning, a.session.State())

	rec = postJSON(t, handler, "/api/lifecycle", map[string]string{"state": "hibernating"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()
	registerAll(t, handler)

	rec := get(t, handler, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ScanState    string `json:"scan_state"`
		PairingState string `json:"pairing_state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(scan.StateScanning), resp.ScanState)
	require.Equal(t, string(pairing.StateIdle), resp.PairingState)
}

func TestMethodNotAllowed(t *testing.T) {
	a, _ := newTestApp(t)
	handler := a.routes()

	req := httptest.NewRequest(http.MethodDelete, "/api/objects", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
