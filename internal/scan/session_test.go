package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"taglocator/internal/match"
	"taglocator/internal/model"
	"taglocator/internal/proximity"
	"taglocator/internal/radio"
)

type fakeScanner struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	startErr   error
	handler    radio.DiscoveryHandler
	onError    radio.ScanErrorHandler
}

func (f *fakeScanner) StartScan(events radio.DiscoveryHandler, onError radio.ScanErrorHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.startCalls++
	f.handler = events
	f.onError = onError
	return nil
}

func (f *fakeScanner) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.handler = nil
	f.onError = nil
	return nil
}

func (f *fakeScanner) emit(ev model.DiscoveryEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeScanner) fail(err error) {
	f.mu.Lock()
	h := f.onError
	f.handler = nil
	f.onError = nil
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (f *fakeScanner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

type fakeWatcher struct {
	mu      sync.Mutex
	handler func(model.RadioPowerState)
	cancels int
}

func (f *fakeWatcher) WatchAdapterState(h func(model.RadioPowerState)) (func(), error) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}, nil
}

func (f *fakeWatcher) report(state model.RadioPowerState) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(state)
	}
}

type fakePerms struct {
	granted  bool
	requests int
}

func (f *fakePerms) RequestRuntimePermissions(context.Context) (bool, error) {
	f.requests++
	return f.granted, nil
}

type fakeSource struct {
	objects []model.TrackedObject
}

func (f *fakeSource) LoadObjects(context.Context) ([]model.TrackedObject, error) {
	return f.objects, nil
}

func fullSet() []model.TrackedObject {
	return []model.TrackedObject{
		{Name: "keys", Slot: model.SlotTag1, Password: "1111"},
		{Name: "wallet", Slot: model.SlotTag2, Password: "2222"},
		{Name: "bag", Slot: model.SlotTag3, Password: "3333"},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(objects []model.TrackedObject, granted bool) (*Session, *fakeScanner, *fakeWatcher, *proximity.Tracker) {
	scanner := &fakeScanner{}
	watcher := &fakeWatcher{}
	tracker := proximity.NewTracker()
	s := New(scanner, watcher, &fakePerms{granted: granted}, match.New(), tracker,
		&fakeSource{objects: objects}, nil, testLogger())
	return s, scanner, watcher, tracker
}

func TestStartScansAndForwardsEvents(t *testing.T) {
	s, scanner, _, tracker := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateScanning, s.State())

	scanner.emit(model.DiscoveryEvent{RadioID: "11:22:33:44:55:66", RSSI: -42})

	r := tracker.Reading(model.SlotTag1)
	require.True(t, r.Known)
	require.Equal(t, -42, r.RSSI)
}

func TestStartRequiresCompleteRegistration(t *testing.T) {
	s, scanner, _, _ := newTestSession(fullSet()[:2], true)

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrSetupIncomplete)
	require.Equal(t, StateIdle, s.State())

	starts, _ := scanner.counts()
	require.Zero(t, starts)
}

func TestPermissionDeniedBlocks(t *testing.T) {
	s, scanner, _, _ := newTestSession(fullSet(), false)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateBlocked, s.State())

	starts, _ := scanner.counts()
	require.Zero(t, starts)

	// No automatic retry: a later Start while blocked errors out.
	require.Error(t, s.Start(context.Background()))
}

func TestDuplicateStartIsNoOp(t *testing.T) {
	s, scanner, _, _ := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	starts, _ := scanner.counts()
	require.Equal(t, 1, starts)
}

func TestStopIsIdempotent(t *testing.T) {
	s, scanner, _, _ := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()

	_, stops := scanner.counts()
	require.Equal(t, 1, stops)
	require.Equal(t, StateIdle, s.State())
}

func TestRadioOffClearsAllReadings(t *testing.T) {
	s, scanner, watcher, tracker := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	scanner.emit(model.DiscoveryEvent{RadioID: "11:22:33:44:55:66", RSSI: -42})
	scanner.emit(model.DiscoveryEvent{RadioID: "22:22:33:44:55:66", RSSI: -60})

	watcher.report(model.RadioOff)

	require.Equal(t, StateRadioOff, s.State())
	require.Equal(t, model.RadioOff, s.RadioState())
	for _, slot := range model.Slots {
		require.False(t, tracker.Reading(slot).Known, "slot %s", slot)
	}
	_, stops := scanner.counts()
	require.Equal(t, 1, stops)
}

func TestRadioOnResumesScanning(t *testing.T) {
	s, scanner, watcher, _ := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	watcher.report(model.RadioOff)
	require.Equal(t, StateRadioOff, s.State())

	watcher.report(model.RadioOn)
	require.Equal(t, StateScanning, s.State())

	starts, _ := scanner.counts()
	require.Equal(t, 2, starts)
}

func TestBackgroundPausesAndForegroundResumes(t *testing.T) {
	s, scanner, _, _ := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))

	s.HandleAppState(model.AppBackground)
	require.Equal(t, StatePaused, s.State())
	_, stops := scanner.counts()
	require.Equal(t, 1, stops)

	s.HandleAppState(model.AppActive)
	require.Equal(t, StateScanning, s.State())
	starts, _ := scanner.counts()
	require.Equal(t, 2, starts)
}

func TestForegroundWhileRadioOffStaysOff(t *testing.T) {
	s, _, watcher, _ := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	s.HandleAppState(model.AppBackground)
	watcher.report(model.RadioOff)

	s.HandleAppState(model.AppActive)
	require.Equal(t, StateRadioOff, s.State())
}

func TestSuspendHandsOffRadio(t *testing.T) {
	s, scanner, _, tracker := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	s.Suspend()

	_, stops := scanner.counts()
	require.Equal(t, 1, stops)

	// Events arriving while suspended are ignored.
	scanner.emit(model.DiscoveryEvent{RadioID: "11:22:33:44:55:66", RSSI: -42})
	require.False(t, tracker.Reading(model.SlotTag1).Known)

	s.Resume()
	require.Equal(t, StateScanning, s.State())
	starts, _ := scanner.counts()
	require.Equal(t, 2, starts)
}

func TestScanStartRadioUnavailable(t *testing.T) {
	scanner := &fakeScanner{startErr: radio.ErrRadioUnavailable}
	watcher := &fakeWatcher{}
	tracker := proximity.NewTracker()
	s := New(scanner, watcher, &fakePerms{granted: true}, match.New(), tracker,
		&fakeSource{objects: fullSet()}, nil, testLogger())

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateRadioOff, s.State())
}

func TestScanErrorRestartsScan(t *testing.T) {
	s, scanner, _, tracker := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	scanner.fail(errors.New("hci transport reset"))

	require.Equal(t, StateScanning, s.State())
	starts, _ := scanner.counts()
	require.Equal(t, 2, starts)

	// The restarted scan keeps delivering.
	scanner.emit(model.DiscoveryEvent{RadioID: "11:22:33:44:55:66", RSSI: -42})
	require.True(t, tracker.Reading(model.SlotTag1).Known)
}

func TestScanErrorRadioUnavailable(t *testing.T) {
	s, scanner, _, tracker := newTestSession(fullSet(), true)

	require.NoError(t, s.Start(context.Background()))
	scanner.emit(model.DiscoveryEvent{RadioID: "11:22:33:44:55:66", RSSI: -42})
	require.True(t, tracker.Reading(model.SlotTag1).Known)

	scanner.fail(fmt.Errorf("scan died: %w", radio.ErrRadioUnavailable))

	require.Equal(t, StateRadioOff, s.State())
	require.Equal(t, model.RadioOff, s.RadioState())
	for _, slot := range model.Slots {
		require.False(t, tracker.Reading(slot).Known, "slot %s", slot)
	}
	starts, _ := scanner.counts()
	require.Equal(t, 1, starts)
}

func TestMatchHookObservesEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []model.TagSlot
	scanner := &fakeScanner{}
	s := New(scanner, &fakeWatcher{}, &fakePerms{granted: true}, match.New(),
		proximity.NewTracker(), &fakeSource{objects: fullSet()},
		func(slot model.TagSlot, ev model.DiscoveryEvent) {
			mu.Lock()
			seen = append(seen, slot)
			mu.Unlock()
		}, testLogger())

	require.NoError(t, s.Start(context.Background()))
	scanner.emit(model.DiscoveryEvent{RadioID: "22:00:00:00:00:01", RSSI: -50})
	scanner.emit(model.DiscoveryEvent{RadioID: "99:00:00:00:00:01", RSSI: -50})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []model.TagSlot{model.SlotTag2}, seen)
}
