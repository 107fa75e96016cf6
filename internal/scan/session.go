// Package scan owns the passive discovery scan lifecycle: permission
// gating, radio power reaction, app lifecycle reaction, and the guarantee
// that at most one live discovery subscription exists at any time.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"taglocator/internal/match"
	"taglocator/internal/model"
	"taglocator/internal/proximity"
	"taglocator/internal/radio"
)

// State enumerates the session lifecycle.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting_permission"
	StateScanning             State = "scanning"
	StatePaused               State = "paused"
	StateRadioOff             State = "radio_off"
	StateBlocked              State = "blocked"
)

// ErrSetupIncomplete is returned by Start until exactly three objects are registered.
var ErrSetupIncomplete = errors.New("registration incomplete")

// ObjectSource supplies the current tracked object set.
type ObjectSource interface {
	LoadObjects(ctx context.Context) ([]model.TrackedObject, error)
}

// MatchHook observes each matched discovery event after the tracker update.
type MatchHook func(slot model.TagSlot, ev model.DiscoveryEvent)

// Session is the scan session manager.
type Session struct {
	logger  *slog.Logger
	scanner radio.Scanner
	watcher radio.AdapterWatcher
	perms   radio.Permissions
	matcher *match.Matcher
	tracker *proximity.Tracker
	source  ObjectSource
	onMatch MatchHook

	mu          sync.Mutex
	state       State
	radioState  model.RadioPowerState
	appState    model.AppState
	scanActive  bool
	suspended   bool
	granted     bool
	asked       bool
	cancelWatch func()
	objects     []model.TrackedObject
}

// New constructs a session in the Idle state. onMatch may be nil.
func New(scanner radio.Scanner, watcher radio.AdapterWatcher, perms radio.Permissions,
	matcher *match.Matcher, tracker *proximity.Tracker, source ObjectSource,
	onMatch MatchHook, logger *slog.Logger) *Session {
	return &Session{
		logger:     logger,
		scanner:    scanner,
		watcher:    watcher,
		perms:      perms,
		matcher:    matcher,
		tracker:    tracker,
		source:     source,
		onMatch:    onMatch,
		state:      StateIdle,
		radioState: model.RadioUnknown,
		appState:   model.AppActive,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RadioState returns the last observed adapter power state.
func (s *Session) RadioState() model.RadioPowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radioState
}

// Start activates background scanning. It refuses to run until the object
// set is complete, requests runtime permissions on first use, and begins
// watching adapter power. Calling Start while already running is a no-op.
func (s *Session) Start(ctx context.Context) error {
	objects, err := s.source.LoadObjects(ctx)
	if err != nil {
		return fmt.Errorf("load objects: %w", err)
	}
	if len(objects) != model.MaxTrackedObjects {
		return fmt.Errorf("%w: %d of %d objects registered", ErrSetupIncomplete, len(objects), model.MaxTrackedObjects)
	}

	s.mu.Lock()
	if s.state == StateBlocked {
		s.mu.Unlock()
		return fmt.Errorf("permission denied, scanning blocked")
	}
	s.objects = objects
	asked, granted := s.asked, s.granted
	if !asked {
		s.state = StateRequestingPermission
	}
	s.mu.Unlock()

	if !asked {
		granted, err = s.perms.RequestRuntimePermissions(ctx)
		if err != nil {
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			return fmt.Errorf("request permissions: %w", err)
		}
		s.mu.Lock()
		s.asked = true
		s.granted = granted
		if !granted {
			s.state = StateBlocked
			s.mu.Unlock()
			s.logger.Warn("runtime permissions denied, scanning blocked")
			return nil
		}
		s.mu.Unlock()
	} else if !granted {
		return fmt.Errorf("permission denied, scanning blocked")
	}

	s.mu.Lock()
	if s.cancelWatch == nil {
		s.mu.Unlock()
		cancel, err := s.watcher.WatchAdapterState(s.handleAdapterState)
		if err != nil {
			return fmt.Errorf("watch adapter state: %w", err)
		}
		s.mu.Lock()
		s.cancelWatch = cancel
	}
	defer s.mu.Unlock()

	if s.radioState == model.RadioOff {
		s.state = StateRadioOff
		return nil
	}
	return s.startScanLocked()
}

// Stop halts scanning and releases the adapter watch. Idempotent: repeated
// calls produce at most one underlying unsubscribe.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopScanLocked()
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
	s.state = StateIdle
}

// Suspend hands the radio to the pairing flow: passive scanning stops and
// stays off until Resume. The adapter watch stays alive.
func (s *Session) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	s.stopScanLocked()
}

// Resume returns radio ownership after pairing concludes or aborts.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.suspended = false
	if s.state == StateScanning || s.state == StatePaused || s.state == StateRadioOff {
		s.resumeScanLocked()
	}
}

// ReloadObjects refreshes the cached object set, picking up new bindings.
func (s *Session) ReloadObjects(ctx context.Context) error {
	objects, err := s.source.LoadObjects(ctx)
	if err != nil {
		return fmt.Errorf("load objects: %w", err)
	}
	s.mu.Lock()
	s.objects = objects
	s.mu.Unlock()
	return nil
}

// HandleAppState reacts to the shell entering background or foreground.
func (s *Session) HandleAppState(state model.AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appState = state

	switch state {
	case model.AppBackground, model.AppInactive:
		if s.state == StateScanning {
			s.stopScanLocked()
			s.state = StatePaused
		}
	case model.AppActive:
		if s.state == StatePaused {
			s.resumeScanLocked()
		}
	}
}

func (s *Session) handleAdapterState(state model.RadioPowerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.radioState
	s.radioState = state

	switch state {
	case model.RadioOff:
		s.logger.Warn("radio powered off, clearing readings")
		s.tracker.ResetAll()
		if s.state == StateScanning || s.state == StatePaused {
			s.stopScanLocked()
			s.state = StateRadioOff
		}
	case model.RadioOn:
		if prev != model.RadioOn && s.state == StateRadioOff {
			s.resumeScanLocked()
		}
	}
}

// startScanLocked begins the discovery subscription. The scanActive flag
// guarantees repeated starts never accumulate listeners.
func (s *Session) startScanLocked() error {
	if s.scanActive || s.suspended {
		if s.scanActive {
			s.state = StateScanning
		}
		return nil
	}
	if err := s.scanner.StartScan(s.handleEvent, s.handleScanError); err != nil {
		if errors.Is(err, radio.ErrRadioUnavailable) {
			s.logger.Warn("scan start failed, radio unavailable", "error", err)
			s.radioState = model.RadioOff
			s.tracker.ResetAll()
			s.state = StateRadioOff
			return nil
		}
		return fmt.Errorf("start scan: %w", err)
	}
	s.scanActive = true
	s.state = StateScanning
	s.logger.Info("passive scan started")
	return nil
}

func (s *Session) resumeScanLocked() {
	if s.appState != model.AppActive {
		s.state = StatePaused
		return
	}
	if s.radioState == model.RadioOff {
		s.state = StateRadioOff
		return
	}
	if err := s.startScanLocked(); err != nil {
		s.logger.Error("resume scan failed", "error", err)
	}
}

// stopScanLocked releases the subscription exactly once per start.
func (s *Session) stopScanLocked() {
	if !s.scanActive {
		return
	}
	s.scanActive = false
	if err := s.scanner.StopScan(); err != nil {
		s.logger.Warn("stop scan failed", "error", err)
	} else {
		s.logger.Info("passive scan stopped")
	}
}

// handleScanError reacts to a scan dying after a successful start. An
// unavailable-class error is handled like adapter power-off; anything else
// is logged and the scan restarted so the session never goes quiet while
// reporting Scanning.
func (s *Session) handleScanError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanActive {
		return
	}
	s.scanActive = false

	if errors.Is(err, radio.ErrRadioUnavailable) {
		s.logger.Warn("scan terminated, radio unavailable", "error", err)
		s.radioState = model.RadioOff
		s.tracker.ResetAll()
		s.state = StateRadioOff
		return
	}

	s.logger.Warn("scan terminated, restarting", "error", err)
	if rerr := s.startScanLocked(); rerr != nil {
		s.logger.Error("scan restart failed", "error", rerr)
		s.state = StateIdle
	}
}

func (s *Session) handleEvent(ev model.DiscoveryEvent) {
	s.mu.Lock()
	if !s.scanActive {
		s.mu.Unlock()
		return
	}
	objects := s.objects
	s.mu.Unlock()

	slot, ok := s.matcher.Match(ev, objects)
	if !ok {
		return
	}

	s.tracker.Update(slot, ev.RSSI)
	if s.onMatch != nil {
		s.onMatch(slot, ev)
	}
}
