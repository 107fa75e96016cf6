package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"taglocator/internal/config"
	"taglocator/internal/match"
	"taglocator/internal/model"
	"taglocator/internal/pairing"
	"taglocator/internal/proximity"
	"taglocator/internal/radio"
	"taglocator/internal/scan"
	"taglocator/internal/store"
	"taglocator/internal/telemetry"
)

// sightingInterval throttles the persisted sighting log to one row per
// slot per interval; raw discovery events arrive far more often.
const sightingInterval = 30 * time.Second

// App wires together the locator engine and manages its lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store   *store.Store
	tracker *proximity.Tracker
	session *scan.Session
	machine *pairing.Machine
	telem   *telemetry.Publisher
	mdns    *zeroconf.Server

	sightingMu   sync.Mutex
	lastSighting map[model.TagSlot]time.Time
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:          cfg,
		logger:       logger,
		lastSighting: make(map[model.TagSlot]time.Time),
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if a.cfg.MQTTBrokerURL != "" {
		clientID := fmt.Sprintf("taglocator-%s", uuid.NewString()[:8])
		telem, err := telemetry.New(a.cfg.MQTTBrokerURL, clientID, a.logger)
		if err != nil {
			return err
		}
		a.telem = telem
		defer a.telem.Close()
	}

	scanner, watcher, connector, err := a.buildRadio()
	if err != nil {
		return err
	}

	a.tracker = proximity.NewTracker()
	matcher := match.New()

	a.session = scan.New(scanner, watcher, radio.StaticPermissions{Granted: true},
		matcher, a.tracker, a.store, a.onMatch, a.logger)

	a.machine = pairing.New(scanner, connector, matcher, a.tracker, a.session, a.store,
		pairing.Config{
			ScanTimeout:  a.cfg.PairingScanTimeout,
			AckTimeout:   a.cfg.CommandAckTimeout,
			PollInterval: a.cfg.PollInterval,
			LostBelow:    a.cfg.RSSILostThreshold,
		},
		a.onPairingEvent, a.logger)

	// Scanning only runs once registration is complete; until then the
	// registration API brings the session up.
	if err := a.session.Start(ctx); err != nil {
		if errors.Is(err, scan.ErrSetupIncomplete) {
			a.logger.Info("waiting for registration to complete", "reason", err)
		} else {
			a.logger.Warn("passive scan not started", "error", err)
		}
	}
	defer a.session.Stop()

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement failed", "error", err)
	}
	defer a.stopMDNS()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			a.machine.Cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		}
	}
}

// buildRadio selects the discovery source: the local BlueZ adapter, or a
// broker subscription fed by remote scanners (no pairing in that mode).
func (a *App) buildRadio() (radio.Scanner, radio.AdapterWatcher, radio.Connector, error) {
	switch a.cfg.RadioSource {
	case "mqtt":
		clientID := fmt.Sprintf("taglocator-scan-%s", uuid.NewString()[:8])
		scanner, err := radio.NewMQTTScanner(a.cfg.MQTTBrokerURL, clientID, a.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return scanner, scanner, radio.NoConnector{}, nil
	default:
		r, err := radio.NewBluezRadio(a.cfg.AdapterID, a.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return r, r, r, nil
	}
}

// onMatch observes every matched passive discovery event: publish the
// fresh reading and sample it into the sighting log.
func (a *App) onMatch(slot model.TagSlot, ev model.DiscoveryEvent) {
	if a.telem != nil {
		a.telem.PublishReading(a.tracker.Reading(slot))
	}

	a.sightingMu.Lock()
	last := a.lastSighting[slot]
	record := time.Since(last) >= sightingInterval
	if record {
		a.lastSighting[slot] = time.Now()
	}
	a.sightingMu.Unlock()
	if !record {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.InsertSighting(ctx, slot, ev); err != nil {
		a.logger.Error("failed to persist sighting", "slot", slot, "error", err)
	}
}

func (a *App) onPairingEvent(ev pairing.Event) {
	if a.telem != nil {
		a.telem.PublishPairingEvent(ev)
	}
	if ev.State == pairing.StateConnected {
		// A fresh binding changes how passive matching resolves this slot.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.session.ReloadObjects(ctx); err != nil {
			a.logger.Warn("reload objects after pairing failed", "error", err)
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/objects", a.handleObjects)
	mux.HandleFunc("/api/objects/", a.handleObjectBySlot)
	mux.HandleFunc("/api/proximity", a.handleProximity)
	mux.HandleFunc("/api/sightings", a.handleSightings)
	mux.HandleFunc("/api/pair", a.handlePair)
	mux.HandleFunc("/api/pair/cancel", a.handlePairCancel)
	mux.HandleFunc("/api/command", a.handleCommand)
	mux.HandleFunc("/api/lifecycle", a.handleLifecycle)
	mux.HandleFunc("/api/status", a.handleStatus)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.session == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleObjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listObjects(w, r)
	case http.MethodPost:
		a.createObject(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) listObjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	objects, err := a.store.LoadObjects(ctx)
	if err != nil {
		a.logger.Error("failed to load objects", "error", err)
		http.Error(w, "failed to load objects", http.StatusInternalServerError)
		return
	}

	response := struct {
		Objects []model.TrackedObject `json:"objects"`
	}{Objects: objects}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode objects response", "error", err)
	}
}

func (a *App) createObject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string        `json:"name"`
		Description string        `json:"description"`
		Slot        model.TagSlot `json:"slot"`
		Password    string        `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	obj := model.TrackedObject{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Slot:        req.Slot,
		Password:    req.Password,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.CreateObject(ctx, obj); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.logger.Info("object registered", "slot", obj.Slot, "name", obj.Name)

	objects, err := a.store.LoadObjects(ctx)
	if err == nil && len(objects) == model.MaxTrackedObjects {
		if err := a.store.SaveSetupFlag(ctx, true); err != nil {
			a.logger.Error("failed to save setup flag", "error", err)
		}
		if err := a.session.Start(r.Context()); err != nil {
			a.logger.Warn("passive scan not started", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"status":"created"}`))
}

func (a *App) handleObjectBySlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slot := model.TagSlot(strings.TrimPrefix(r.URL.Path, "/api/objects/"))
	if !slot.Valid() {
		http.Error(w, "unknown slot", http.StatusNotFound)
		return
	}

	var req struct {
		Password    string `json:"password"`
		Name        string `json:"name"`
		Description string `json:"description"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	obj, err := a.store.GetObject(ctx, slot)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "slot not registered", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to load object", "slot", slot, "error", err)
		http.Error(w, "failed to load object", http.StatusInternalServerError)
		return
	}

	// Edit actions are gated on the object's password, exact match.
	if req.Password != obj.Password {
		http.Error(w, "password mismatch", http.StatusForbidden)
		return
	}

	if req.Name != "" {
		obj.Name = strings.TrimSpace(req.Name)
	}
	if req.Description != "" {
		obj.Description = strings.TrimSpace(req.Description)
	}
	if req.NewPassword != "" {
		obj.Password = req.NewPassword
	}

	if err := a.store.UpdateObject(ctx, obj); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.session.ReloadObjects(ctx); err != nil {
		a.logger.Warn("reload objects failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"updated"}`))
}

func (a *App) handleProximity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		Readings []proximity.Reading `json:"readings"`
	}{Readings: a.tracker.Snapshot()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode proximity response", "error", err)
	}
}

func (a *App) handleSightings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sightings, err := a.store.RecentSightings(ctx, 50)
	if err != nil {
		a.logger.Error("failed to load sightings", "error", err)
		http.Error(w, "failed to load sightings", http.StatusInternalServerError)
		return
	}

	response := struct {
		Sightings []store.Sighting `json:"sightings"`
	}{Sightings: sightings}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode sightings response", "error", err)
	}
}

func (a *App) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Slot     model.TagSlot `json:"slot"`
		Password string        `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !req.Slot.Valid() {
		http.Error(w, "unknown slot", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	obj, err := a.store.GetObject(ctx, req.Slot)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "slot not registered", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to load object", "slot", req.Slot, "error", err)
		http.Error(w, "failed to load object", http.StatusInternalServerError)
		return
	}

	// A failed attempt for the same slot retries through AwaitingAuth.
	if a.machine.State() == pairing.StateAuthFailed && a.machine.Slot() == req.Slot {
		if err := a.machine.Retry(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	} else if err := a.machine.Select(obj); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	if err := a.machine.Authenticate(r.Context(), req.Password); err != nil {
		if errors.Is(err, pairing.ErrAuthMismatch) {
			http.Error(w, "password mismatch", http.StatusForbidden)
			return
		}
		a.logger.Error("pairing start failed", "slot", req.Slot, "error", err)
		http.Error(w, "pairing failed to start", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"pairing"}`))
}

func (a *App) handlePairCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.machine.Cancel()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"cancelled"}`))
}

func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := a.machine.Send(req.Command); err != nil {
		if errors.Is(err, radio.ErrNotConnected) {
			http.Error(w, "not connected", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"pending"}`))
}

func (a *App) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		State model.AppState `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !req.State.Valid() {
		http.Error(w, "unknown lifecycle state", http.StatusBadRequest)
		return
	}

	a.session.HandleAppState(req.State)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		ScanState    scan.State            `json:"scan_state"`
		RadioState   model.RadioPowerState `json:"radio_state"`
		PairingState pairing.State         `json:"pairing_state"`
		PairingSlot  model.TagSlot         `json:"pairing_slot,omitempty"`
		Command      pairing.CommandStatus `json:"command"`
	}{
		ScanState:    a.session.State(),
		RadioState:   a.session.RadioState(),
		PairingState: a.machine.State(),
		PairingSlot:  a.machine.Slot(),
		Command:      a.machine.CommandStatus(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode status response", "error", err)
	}
}
