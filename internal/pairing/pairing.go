// Package pairing drives the one-time transition from "discovered via
// scan" to "explicitly connected": authentication gate, targeted scan,
// connect, capability discovery, and the command channel over the
// established link.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taglocator/internal/match"
	"taglocator/internal/model"
	"taglocator/internal/proximity"
	"taglocator/internal/radio"
)

// State enumerates the pairing lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateAwaitingAuth State = "awaiting_auth"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateAuthFailed   State = "auth_failed"
)

var (
	// ErrPairingActive is returned when a pairing attempt is already in flight.
	ErrPairingActive = errors.New("pairing already in progress")
	// ErrAuthMismatch is returned on password mismatch; recoverable via retry.
	ErrAuthMismatch = errors.New("password mismatch")
	// ErrBadState is returned for operations invalid in the current state.
	ErrBadState = errors.New("invalid state for operation")
)

// PassiveController is the scan session's ownership-transfer surface: the
// pairing flow must hold the radio exclusively while its targeted scan or
// connection is active.
type PassiveController interface {
	Suspend()
	Resume()
}

// Binder persists the radio id learned during pairing.
type Binder interface {
	BindRadioID(ctx context.Context, slot model.TagSlot, radioID string) error
}

// Config carries the pairing timing policy.
type Config struct {
	ScanTimeout  time.Duration
	AckTimeout   time.Duration
	PollInterval time.Duration
	LostBelow    int
}

// Event describes a pairing state transition for observers.
type Event struct {
	SessionID string
	Slot      model.TagSlot
	State     State
	Err       error
}

// Machine is the pairing/connection state machine. At most one attempt is
// in flight at any time.
type Machine struct {
	logger    *slog.Logger
	scanner   radio.Scanner
	connector radio.Connector
	matcher   *match.Matcher
	tracker   *proximity.Tracker
	passive   PassiveController
	binder    Binder
	cfg       Config
	notify    func(Event)

	mu         sync.Mutex
	state      State
	sessionID  string
	generation uint64
	object     model.TrackedObject
	conn       radio.Connection
	scanTimer  *time.Timer
	pollCancel context.CancelFunc
	ackCancel  func()

	pendingCmd   string
	pendingTimer *time.Timer
	buzzerOn     bool
	lightOn      bool
}

// New constructs the machine in the Idle state. notify may be nil.
func New(scanner radio.Scanner, connector radio.Connector, matcher *match.Matcher,
	tracker *proximity.Tracker, passive PassiveController, binder Binder,
	cfg Config, notify func(Event), logger *slog.Logger) *Machine {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LostBelow == 0 {
		cfg.LostBelow = -90
	}
	return &Machine{
		logger:    logger,
		scanner:   scanner,
		connector: connector,
		matcher:   matcher,
		tracker:   tracker,
		passive:   passive,
		binder:    binder,
		cfg:       cfg,
		notify:    notify,
		state:     StateIdle,
	}
}

// State returns the current pairing state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Slot returns the slot selected for the active session, if any.
func (m *Machine) Slot() model.TagSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.object.Slot
}

// Select begins a pairing session for the given object. Rejected while a
// session is already in flight.
func (m *Machine) Select(obj model.TrackedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle && m.state != StateDisconnected {
		return fmt.Errorf("%w: state %s", ErrPairingActive, m.state)
	}
	m.object = obj
	m.sessionID = uuid.NewString()
	m.setStateLocked(StateAwaitingAuth, nil)
	return nil
}

// Authenticate checks the entered password against the selected object's.
// Exact match, case sensitive. On mismatch the machine enters AuthFailed,
// from which Retry or Cancel recover; no scan is started.
func (m *Machine) Authenticate(ctx context.Context, password string) error {
	m.mu.Lock()
	if m.state != StateAwaitingAuth {
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBadState, m.state)
	}
	if password != m.object.Password {
		m.setStateLocked(StateAuthFailed, ErrAuthMismatch)
		m.mu.Unlock()
		return ErrAuthMismatch
	}
	gen := m.generation
	m.setStateLocked(StateScanning, nil)
	m.mu.Unlock()

	// The scan, connect, and bind phases outlive the request that triggered
	// them; they must not inherit the caller's cancellation.
	return m.startTargetedScan(context.WithoutCancel(ctx), gen)
}

// Retry returns from AuthFailed to AwaitingAuth for another attempt.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthFailed {
		return fmt.Errorf("%w: state %s", ErrBadState, m.state)
	}
	m.setStateLocked(StateAwaitingAuth, nil)
	return nil
}

// Cancel aborts the session from any state and returns the radio to
// passive scanning if the session held it.
func (m *Machine) Cancel() {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return
	case StateAwaitingAuth, StateAuthFailed:
		m.setStateLocked(StateIdle, nil)
		m.mu.Unlock()
		return
	case StateScanning:
		m.abortScanLocked()
		m.setStateLocked(StateIdle, nil)
		m.mu.Unlock()
		m.passive.Resume()
		return
	case StateConnecting:
		m.generation++
		m.setStateLocked(StateIdle, nil)
		m.mu.Unlock()
		m.passive.Resume()
		return
	case StateConnected:
		m.mu.Unlock()
		m.disconnect(nil, StateDisconnected)
		return
	case StateDisconnected:
		m.setStateLocked(StateIdle, nil)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
}

// startTargetedScan suspends passive scanning and looks for the locator
// device name. The timeout timer is cancelled on every exit from the
// Scanning state so a stale timer can never fire into a later session.
func (m *Machine) startTargetedScan(ctx context.Context, gen uint64) error {
	m.passive.Suspend()

	m.mu.Lock()
	if m.generation != gen || m.state != StateScanning {
		m.mu.Unlock()
		m.passive.Resume()
		return nil
	}
	m.scanTimer = time.AfterFunc(m.cfg.ScanTimeout, func() {
		m.onScanTimeout(gen)
	})
	m.mu.Unlock()

	err := m.scanner.StartScan(func(ev model.DiscoveryEvent) {
		m.onTargetedEvent(ctx, gen, ev)
	}, func(scanErr error) {
		m.onScanFailed(gen, scanErr)
	})
	if err != nil {
		m.mu.Lock()
		m.abortScanLocked()
		m.setStateLocked(StateIdle, fmt.Errorf("targeted scan: %w", err))
		m.mu.Unlock()
		m.passive.Resume()
		return fmt.Errorf("targeted scan: %w", err)
	}
	return nil
}

func (m *Machine) onScanTimeout(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	m.abortScanLocked()
	slot := m.object.Slot
	m.setStateLocked(StateIdle, errors.New("no matching device found before timeout"))
	m.mu.Unlock()

	m.logger.Warn("pairing scan timed out", "slot", slot)
	m.passive.Resume()
}

// onScanFailed aborts the session when the targeted scan dies mid-flight.
func (m *Machine) onScanFailed(gen uint64, scanErr error) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	m.abortScanLocked()
	slot := m.object.Slot
	m.setStateLocked(StateIdle, fmt.Errorf("targeted scan: %w", scanErr))
	m.mu.Unlock()

	m.logger.Warn("targeted scan failed", "slot", slot, "error", scanErr)
	m.passive.Resume()
}

func (m *Machine) onTargetedEvent(ctx context.Context, gen uint64, ev model.DiscoveryEvent) {
	if !m.matcher.MatchPairing(ev) {
		return
	}

	m.mu.Lock()
	if m.generation != gen || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	m.abortScanLocked()
	slot := m.object.Slot
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	go m.connect(ctx, slot, ev.RadioID)
}

// abortScanLocked stops the targeted scan and cancels its timeout timer.
func (m *Machine) abortScanLocked() {
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	m.generation++
	if err := m.scanner.StopScan(); err != nil {
		m.logger.Warn("stop targeted scan failed", "error", err)
	}
}

func (m *Machine) connect(ctx context.Context, slot model.TagSlot, radioID string) {
	conn, err := m.connector.Connect(ctx, radioID)
	if err != nil {
		m.failConnect(slot, fmt.Errorf("connect: %w", err))
		return
	}

	if err := conn.DiscoverCapabilities(ctx); err != nil {
		_ = conn.Close()
		m.failConnect(slot, fmt.Errorf("discover capabilities: %w", err))
		return
	}

	if err := m.binder.BindRadioID(ctx, slot, conn.RadioID()); err != nil {
		_ = conn.Close()
		m.failConnect(slot, fmt.Errorf("bind radio id: %w", err))
		return
	}

	ackCancel, err := conn.SubscribeNotifications(radio.LocatorServiceUUID, radio.AckCharUUID, m.onAck)
	if err != nil {
		_ = conn.Close()
		m.failConnect(slot, fmt.Errorf("subscribe acks: %w", err))
		return
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Session was cancelled while connecting; release everything.
		m.mu.Unlock()
		ackCancel()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.ackCancel = ackCancel
	m.object.RadioID = conn.RadioID()

	pollCtx, pollCancel := context.WithCancel(context.Background())
	m.pollCancel = pollCancel
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	conn.OnDisconnected(func() {
		m.onConnectionLost(errors.New("unsolicited disconnect"))
	})

	poller := &proximity.Poller{
		Tracker:   m.tracker,
		Interval:  m.cfg.PollInterval,
		LostBelow: m.cfg.LostBelow,
		Logger:    m.logger,
	}
	go poller.Run(pollCtx, slot, conn.ReadSignalStrength, m.onConnectionLost)

	m.logger.Info("pairing complete", "slot", slot, "radio_id", conn.RadioID())
}

// failConnect reports a connect-phase failure: no radio id is bound and
// passive scanning resumes.
func (m *Machine) failConnect(slot model.TagSlot, err error) {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateIdle, err)
	m.mu.Unlock()

	m.logger.Warn("pairing failed", "slot", slot, "error", err)
	m.passive.Resume()
}

// onConnectionLost handles unsolicited disconnects and poll-detected loss.
func (m *Machine) onConnectionLost(err error) {
	m.disconnect(err, StateDisconnected)
}

// disconnect tears down the command channel, stops active polling, closes
// the connection, and returns the radio to passive scanning.
func (m *Machine) disconnect(cause error, next State) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	slot := m.object.Slot
	conn := m.conn
	ackCancel := m.ackCancel
	pollCancel := m.pollCancel
	m.conn = nil
	m.ackCancel = nil
	m.pollCancel = nil
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
	m.pendingCmd = ""
	m.setStateLocked(next, cause)
	m.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
	if ackCancel != nil {
		ackCancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if cause != nil {
		m.logger.Warn("connection lost", "slot", slot, "error", cause)
	} else {
		m.logger.Info("disconnected", "slot", slot)
	}
	m.passive.Resume()
}

// setStateLocked transitions and notifies observers. Callers hold m.mu.
func (m *Machine) setStateLocked(next State, err error) {
	m.state = next
	if m.notify != nil {
		ev := Event{SessionID: m.sessionID, Slot: m.object.Slot, State: next, Err: err}
		go m.notify(ev)
	}
}
