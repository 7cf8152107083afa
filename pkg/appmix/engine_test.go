package appmix

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSession struct {
	lock sync.Mutex

	pid         uint32
	processName string
	displayName string
	processPath string

	volume float32
	muted  bool
	state  SessionState

	volumeSets int
	muteSets   int

	subscribed     bool
	subscribeCalls int
	unsubscribes   int
	releases       int

	subscribeErr error

	// next SetVolume reports a stale native handle and clears the flag
	staleOnce bool
}

func newFakeSession(pid uint32, name string) *fakeSession {
	return &fakeSession{
		pid:         pid,
		processName: name,
		processPath: `C:\Program Files\` + name,
		volume:      0.5,
		state:       SessionStateActive,
	}
}

func (f *fakeSession) PID() uint32          { return f.pid }
func (f *fakeSession) ProcessName() string  { return f.processName }
func (f *fakeSession) DisplayName() string  { return f.displayName }
func (f *fakeSession) ProcessPath() string  { return f.processPath }
func (f *fakeSession) Key() string          { return strings.ToLower(f.processName) }

func (f *fakeSession) GetVolume() float32 {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.volume
}

func (f *fakeSession) SetVolume(v float32) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.volumeSets++

	if f.staleOnce {
		f.staleOnce = false
		return errRefreshSessions
	}

	f.volume = v

	return nil
}

func (f *fakeSession) GetMute() bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.muted
}

func (f *fakeSession) SetMute(v bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.muteSets++
	f.muted = v

	return nil
}

func (f *fakeSession) State() SessionState {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.state
}

func (f *fakeSession) Subscribe() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.subscribeCalls++

	if f.subscribeErr != nil {
		return f.subscribeErr
	}

	f.subscribed = true

	return nil
}

func (f *fakeSession) Unsubscribe() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.subscribed {
		f.unsubscribes++
		f.subscribed = false
	}

	return nil
}

func (f *fakeSession) Release() {
	f.Unsubscribe()

	f.lock.Lock()
	defer f.lock.Unlock()

	f.releases++
}

func (f *fakeSession) setState(state SessionState) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.state = state
}

func (f *fakeSession) counts() (volumeSets, muteSets, subscribeCalls, unsubscribes, releases int) {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.volumeSets, f.muteSets, f.subscribeCalls, f.unsubscribes, f.releases
}

type fakeSessionFinder struct {
	lock sync.Mutex

	sessions []*fakeSession
	devices  []AudioDevice

	sessionsErr error
	devicesErr  error

	enumerations int
	released     bool
}

func (f *fakeSessionFinder) GetAllSessions() ([]Session, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.enumerations++

	if f.sessionsErr != nil {
		return nil, f.sessionsErr
	}

	sessions := make([]Session, 0, len(f.sessions))
	for _, session := range f.sessions {
		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (f *fakeSessionFinder) GetAllDevices() ([]AudioDevice, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.devicesErr != nil {
		return nil, f.devicesErr
	}

	devices := make([]AudioDevice, len(f.devices))
	copy(devices, f.devices)

	return devices, nil
}

func (f *fakeSessionFinder) Release() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.released = true

	return nil
}

func (f *fakeSessionFinder) setSessions(sessions ...*fakeSession) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.sessions = sessions
}

func (f *fakeSessionFinder) enumerationCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.enumerations
}

type fakeRouter struct {
	lock sync.Mutex

	routes  []RoutingAssignment
	cleared int
	closed  bool

	routeErr error
	clearErr error
}

func (f *fakeRouter) route(pid uint32, deviceID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.routeErr != nil {
		return f.routeErr
	}

	f.routes = append(f.routes, RoutingAssignment{ProcessID: pid, DeviceID: deviceID})

	return nil
}

func (f *fakeRouter) clear() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.clearErr != nil {
		return f.clearErr
	}

	f.cleared++

	return nil
}

func (f *fakeRouter) close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.closed = true

	return nil
}

func (f *fakeRouter) routeCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.routes)
}

// test-only entry points into the owner thread

func (e *Engine) forceRefresh(ctx context.Context) error {
	return e.do(ctx, "force refresh", func() error {
		return e.refreshSessions(true)
	})
}

func (e *Engine) resetRefreshCooldown(ctx context.Context) error {
	return e.do(ctx, "reset refresh cooldown", func() error {
		e.lastSessionRefresh = time.Time{}
		return nil
	})
}

func startTestEngine(t *testing.T, finder SessionFinder, router deviceRouter) *Engine {
	t.Helper()

	return startTestEngineWithExtractor(t, finder, router, func(path string) ([]byte, error) {
		return nil, errors.New("no icon")
	})
}

func startTestEngineWithExtractor(t *testing.T, finder SessionFinder, router deviceRouter, extract iconExtractor) *Engine {
	t.Helper()

	logger := zap.NewNop().Sugar()

	engine, err := newEngine(logger, finder, router, newIconCache(logger, extract), newEventSink(defaultEventBufferSize))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}

	t.Cleanup(engine.Stop)

	return engine
}

func waitForNotification(t *testing.T, c <-chan SessionEventNotification) SessionEventNotification {
	t.Helper()

	select {
	case notification := <-c:
		return notification
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for session notification")
		return SessionEventNotification{}
	}
}

func TestSetSessionVolumeRoundTrip(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()

	if err := engine.SetSessionVolume(ctx, 100, 0.37); err != nil {
		t.Fatalf("Failed to set volume: %v", err)
	}

	snapshot, err := engine.GetSession(ctx, 100)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}

	if snapshot.Volume != 0.37 {
		t.Errorf("Expected volume 0.37, got %v", snapshot.Volume)
	}

	if snapshot.ProcessName != "chrome.exe" {
		t.Errorf("Expected process name chrome.exe, got %q", snapshot.ProcessName)
	}
}

func TestSetSessionVolumeBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		volume  float32
		wantErr bool
	}{
		{"zero is valid", 0.0, false},
		{"one is valid", 1.0, false},
		{"below range", -0.01, true},
		{"above range", 1.01, true},
		{"far above range", 1.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newFakeSession(100, "chrome.exe")
			finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
			engine := startTestEngine(t, finder, &fakeRouter{})

			err := engine.SetSessionVolume(context.Background(), 100, tt.volume)

			if tt.wantErr {
				if !errors.Is(err, ErrVolumeOutOfRange) {
					t.Fatalf("Expected ErrVolumeOutOfRange, got %v", err)
				}

				// a rejected value never reaches the native session
				if volumeSets, _, _, _, _ := session.counts(); volumeSets != 0 {
					t.Errorf("Expected no native volume calls, got %d", volumeSets)
				}

				if session.GetVolume() != 0.5 {
					t.Errorf("Volume changed despite rejection: %v", session.GetVolume())
				}
			} else {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}

				if session.GetVolume() != tt.volume {
					t.Errorf("Expected volume %v, got %v", tt.volume, session.GetVolume())
				}
			}
		})
	}
}

func TestSetSessionMuteSkipsRedundantTransitions(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()

	if err := engine.SetSessionMute(ctx, 100, true); err != nil {
		t.Fatalf("Failed to mute: %v", err)
	}

	// muting an already muted session must not touch the native state again
	if err := engine.SetSessionMute(ctx, 100, true); err != nil {
		t.Fatalf("Failed to re-mute: %v", err)
	}

	if _, muteSets, _, _, _ := session.counts(); muteSets != 1 {
		t.Errorf("Expected 1 native mute call, got %d", muteSets)
	}

	if err := engine.SetSessionMute(ctx, 100, false); err != nil {
		t.Fatalf("Failed to unmute: %v", err)
	}

	if _, muteSets, _, _, _ := session.counts(); muteSets != 2 {
		t.Errorf("Expected 2 native mute calls, got %d", muteSets)
	}

	if session.GetMute() {
		t.Error("Expected session to be unmuted")
	}
}

func TestUnknownProcessFailsLoudly(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()

	if err := engine.SetSessionVolume(ctx, 999, 0.5); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound from volume change, got %v", err)
	}

	if err := engine.SetSessionMute(ctx, 999, true); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound from mute change, got %v", err)
	}

	if _, err := engine.GetSession(ctx, 999); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound from lookup, got %v", err)
	}
}

func TestConcurrentVolumeChanges(t *testing.T) {
	const sessionCount = 8

	sessions := make([]*fakeSession, 0, sessionCount)
	for i := 1; i <= sessionCount; i++ {
		sessions = append(sessions, newFakeSession(uint32(i), "app.exe"))
	}

	finder := &fakeSessionFinder{sessions: sessions}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 1; i <= sessionCount; i++ {
		wg.Add(1)

		go func(pid uint32) {
			defer wg.Done()

			if err := engine.SetSessionVolume(ctx, pid, float32(pid)/10.0); err != nil {
				t.Errorf("Failed to set volume for pid %d: %v", pid, err)
			}
		}(uint32(i))
	}

	wg.Wait()

	for _, session := range sessions {
		expected := float32(session.PID()) / 10.0
		if session.GetVolume() != expected {
			t.Errorf("Pid %d: expected volume %v, got %v", session.PID(), expected, session.GetVolume())
		}
	}
}

func TestSessionEventOrderingPerSession(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()
	events := engine.SubscribeToSessionEvents()

	volumes := []float32{0.1, 0.2, 0.3}

	for _, v := range volumes {
		if err := engine.SetSessionVolume(ctx, 100, v); err != nil {
			t.Fatalf("Failed to set volume: %v", err)
		}

		engine.sink.push(rawSessionEvent{pid: 100, kind: rawEventVolumeChanged})

		notification := waitForNotification(t, events)

		if notification.ProcessID != 100 {
			t.Fatalf("Expected notification for pid 100, got %d", notification.ProcessID)
		}

		if notification.Volume == nil {
			t.Fatal("Expected a volume in the notification")
		}

		if *notification.Volume != v {
			t.Errorf("Expected volume %v in notification, got %v", v, *notification.Volume)
		}

		if notification.Muted == nil {
			t.Error("Expected a mute state in the notification")
		}
	}
}

func TestRawEventForUnknownProcessIsDropped(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	events := engine.SubscribeToSessionEvents()

	engine.sink.push(rawSessionEvent{pid: 999, kind: rawEventVolumeChanged})

	select {
	case notification := <-events:
		t.Fatalf("Expected no notification, got one for pid %d", notification.ProcessID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDiscoveryNotifiesSubscribers(t *testing.T) {
	finder := &fakeSessionFinder{}
	engine := startTestEngine(t, finder, &fakeRouter{})

	events := engine.SubscribeToSessionEvents()

	session := newFakeSession(300, "spotify.exe")
	finder.setSessions(session)

	if err := engine.forceRefresh(context.Background()); err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}

	notification := waitForNotification(t, events)

	if notification.ProcessID != 300 {
		t.Fatalf("Expected notification for pid 300, got %d", notification.ProcessID)
	}

	if notification.Volume == nil || *notification.Volume != 0.5 {
		t.Errorf("Expected discovery volume 0.5, got %v", notification.Volume)
	}

	if notification.Muted == nil || *notification.Muted {
		t.Errorf("Expected discovery mute state false, got %v", notification.Muted)
	}

	if notification.State != SessionStateActive {
		t.Errorf("Expected active state, got %q", notification.State)
	}

	if _, _, subscribeCalls, _, _ := session.counts(); subscribeCalls != 1 {
		t.Errorf("Expected exactly one event subscription, got %d", subscribeCalls)
	}
}

func TestVanishedSessionRetiresWithFinalNotification(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()
	events := engine.SubscribeToSessionEvents()

	finder.setSessions()

	if err := engine.forceRefresh(ctx); err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}

	notification := waitForNotification(t, events)

	if notification.ProcessID != 100 {
		t.Fatalf("Expected final notification for pid 100, got %d", notification.ProcessID)
	}

	if notification.State != SessionStateExpired {
		t.Errorf("Expected expired state in final notification, got %q", notification.State)
	}

	// the native handle is torn down exactly once
	if _, _, _, unsubscribes, releases := session.counts(); unsubscribes != 1 || releases != 1 {
		t.Errorf("Expected 1 unsubscribe and 1 release, got %d and %d", unsubscribes, releases)
	}

	if _, err := engine.GetSession(ctx, 100); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected retired session to be unknown, got %v", err)
	}

	// stopping must not release the retired session again
	engine.Stop()

	if _, _, _, unsubscribes, releases := session.counts(); unsubscribes != 1 || releases != 1 {
		t.Errorf("Release repeated during stop: %d unsubscribes, %d releases", unsubscribes, releases)
	}
}

func TestExpiredSessionAppearsOnceInSnapshot(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()

	session.setState(SessionStateExpired)

	first, err := engine.ListSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}

	if len(first) != 1 || first[0].State != SessionStateExpired {
		t.Fatalf("Expected one expired session in first snapshot, got %+v", first)
	}

	// the expired session was retired after its final appearance; the
	// finder still reports it, so keep it out of the next enumeration too
	finder.setSessions()

	second, err := engine.ListSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to list sessions again: %v", err)
	}

	if len(second) != 0 {
		t.Errorf("Expected empty second snapshot, got %+v", second)
	}
}

func TestStaleHandleTriggersRefreshAndRetry(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	session.staleOnce = true

	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	if err := engine.SetSessionVolume(context.Background(), 100, 0.4); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}

	if volumeSets, _, _, _, _ := session.counts(); volumeSets != 2 {
		t.Errorf("Expected 2 native volume calls (stale + retry), got %d", volumeSets)
	}

	if session.GetVolume() != 0.4 {
		t.Errorf("Expected volume 0.4 after retry, got %v", session.GetVolume())
	}

	if count := finder.enumerationCount(); count != 2 {
		t.Errorf("Expected 2 enumerations (startup + stale refresh), got %d", count)
	}
}

func TestRoutingUnavailableLeavesNoAssignment(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{
		sessions: []*fakeSession{session},
		devices:  []AudioDevice{{ID: "dev-1", Name: "Speakers", IsDefault: true}},
	}
	router := &fakeRouter{routeErr: ErrRoutingUnavailable}
	engine := startTestEngine(t, finder, router)

	ctx := context.Background()

	err := engine.RouteSession(ctx, 100, "dev-1")
	if !errors.Is(err, ErrRoutingUnavailable) {
		t.Fatalf("Expected ErrRoutingUnavailable, got %v", err)
	}

	assignments, err := engine.Assignments(ctx)
	if err != nil {
		t.Fatalf("Failed to list assignments: %v", err)
	}

	if len(assignments) != 0 {
		t.Errorf("Expected no assignments after failed route, got %v", assignments)
	}
}

func TestRouteSessionValidatesDevice(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{
		sessions: []*fakeSession{session},
		devices:  []AudioDevice{{ID: "dev-1", Name: "Speakers", IsDefault: true}},
	}
	router := &fakeRouter{}
	engine := startTestEngine(t, finder, router)

	err := engine.RouteSession(context.Background(), 100, "dev-nope")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
	}

	if router.routeCount() != 0 {
		t.Errorf("Expected router untouched for unknown device, got %d routes", router.routeCount())
	}
}

func TestRouteSessionRecordsAssignment(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{
		sessions: []*fakeSession{session},
		devices: []AudioDevice{
			{ID: "dev-1", Name: "Speakers", IsDefault: true},
			{ID: "dev-2", Name: "Headphones"},
		},
	}
	router := &fakeRouter{}
	engine := startTestEngine(t, finder, router)

	ctx := context.Background()

	if err := engine.RouteSession(ctx, 100, "dev-2"); err != nil {
		t.Fatalf("Failed to route session: %v", err)
	}

	if router.routeCount() != 1 {
		t.Fatalf("Expected 1 route call, got %d", router.routeCount())
	}

	assignments, err := engine.Assignments(ctx)
	if err != nil {
		t.Fatalf("Failed to list assignments: %v", err)
	}

	if assignments[100] != "dev-2" {
		t.Errorf("Expected assignment to dev-2, got %q", assignments[100])
	}

	if err := engine.ClearRouting(ctx); err != nil {
		t.Fatalf("Failed to clear routing: %v", err)
	}

	assignments, err = engine.Assignments(ctx)
	if err != nil {
		t.Fatalf("Failed to list assignments after clear: %v", err)
	}

	if len(assignments) != 0 {
		t.Errorf("Expected no assignments after clear, got %v", assignments)
	}
}

func TestRouteUnknownSession(t *testing.T) {
	finder := &fakeSessionFinder{
		devices: []AudioDevice{{ID: "dev-1", Name: "Speakers", IsDefault: true}},
	}
	router := &fakeRouter{}
	engine := startTestEngine(t, finder, router)

	err := engine.RouteSession(context.Background(), 999, "dev-1")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}

	if router.routeCount() != 0 {
		t.Errorf("Expected router untouched for unknown session, got %d routes", router.routeCount())
	}
}

func TestListDevices(t *testing.T) {
	finder := &fakeSessionFinder{
		devices: []AudioDevice{
			{ID: "dev-1", Name: "Speakers", IsDefault: true},
			{ID: "dev-2", Name: "Headphones"},
		},
	}
	engine := startTestEngine(t, finder, &fakeRouter{})

	devices, err := engine.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("Failed to list devices: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}

	if !devices[0].IsDefault || devices[1].IsDefault {
		t.Errorf("Expected only the first device to be default: %+v", devices)
	}
}

func TestListDevicesEnumerationFailure(t *testing.T) {
	finder := &fakeSessionFinder{devicesErr: errors.New("endpoint collection failed")}
	engine := startTestEngine(t, finder, &fakeRouter{})

	_, err := engine.ListDevices(context.Background())
	if !errors.Is(err, ErrDeviceEnumeration) {
		t.Fatalf("Expected ErrDeviceEnumeration, got %v", err)
	}
}

func TestListSessionsServesSnapshotWhenRefreshFails(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx := context.Background()

	finder.lock.Lock()
	finder.sessionsErr = errors.New("enumerator gone")
	finder.lock.Unlock()

	if err := engine.resetRefreshCooldown(ctx); err != nil {
		t.Fatalf("Failed to reset cooldown: %v", err)
	}

	// the refresh fails, but the sessions we already hold are still served
	sessions, err := engine.ListSessions(ctx)
	if err != nil {
		t.Fatalf("Expected snapshot despite refresh failure, got %v", err)
	}

	if len(sessions) != 1 || sessions[0].ProcessID != 100 {
		t.Errorf("Expected the known session in the snapshot, got %+v", sessions)
	}
}

func TestStoppedEngineRejectsOperations(t *testing.T) {
	finder := &fakeSessionFinder{}
	engine := startTestEngine(t, finder, &fakeRouter{})

	engine.Stop()

	ctx := context.Background()

	if _, err := engine.ListSessions(ctx); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Expected ErrEngineStopped from list, got %v", err)
	}

	if err := engine.SetSessionVolume(ctx, 100, 0.5); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Expected ErrEngineStopped from volume change, got %v", err)
	}

	if !finder.released {
		t.Error("Expected finder to be released on stop")
	}
}

func TestStopClosesSubscriberChannels(t *testing.T) {
	finder := &fakeSessionFinder{}
	engine := startTestEngine(t, finder, &fakeRouter{})

	events := engine.SubscribeToSessionEvents()

	engine.Stop()

	select {
	case _, open := <-events:
		if open {
			t.Error("Expected subscriber channel to be closed, got a notification")
		}
	case <-time.After(2 * time.Second):
		t.Error("Timed out waiting for subscriber channel to close")
	}
}

func TestSubscribeFailureDegradesSessionOnly(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	session.subscribeErr = errors.New("no notification registration")

	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	// commands still work against a degraded session
	if err := engine.SetSessionVolume(context.Background(), 100, 0.6); err != nil {
		t.Fatalf("Expected degraded session to accept commands, got %v", err)
	}

	record, ok := engine.sessions.get(100)
	if !ok {
		t.Fatal("Expected degraded session to be registered")
	}

	if !record.degraded {
		t.Error("Expected session record to be marked degraded")
	}
}

func TestSharedExecutableIconIsExtractedOnce(t *testing.T) {
	first := newFakeSession(201, "chrome.exe")
	second := newFakeSession(202, "chrome.exe")
	second.processPath = first.processPath

	finder := &fakeSessionFinder{sessions: []*fakeSession{first, second}}

	var extractions int32
	var lock sync.Mutex

	engine := startTestEngineWithExtractor(t, finder, &fakeRouter{}, func(path string) ([]byte, error) {
		lock.Lock()
		defer lock.Unlock()

		extractions++

		return []byte("png-bytes"), nil
	})

	ctx := context.Background()

	firstIcon, err := engine.ResolveIcon(ctx, 201)
	if err != nil {
		t.Fatalf("Failed to resolve first icon: %v", err)
	}

	secondIcon, err := engine.ResolveIcon(ctx, 202)
	if err != nil {
		t.Fatalf("Failed to resolve second icon: %v", err)
	}

	lock.Lock()
	count := extractions
	lock.Unlock()

	if count != 1 {
		t.Errorf("Expected a single extraction for a shared executable, got %d", count)
	}

	if string(firstIcon) != "png-bytes" || string(secondIcon) != "png-bytes" {
		t.Errorf("Expected both sessions to share the icon bytes")
	}
}

func TestAbandonedCallerDoesNotBlockEngine(t *testing.T) {
	session := newFakeSession(100, "chrome.exe")
	finder := &fakeSessionFinder{sessions: []*fakeSession{session}}
	engine := startTestEngine(t, finder, &fakeRouter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := engine.SetSessionVolume(ctx, 100, 0.9); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// the owner thread keeps serving other callers
	if err := engine.SetSessionVolume(context.Background(), 100, 0.2); err != nil {
		t.Fatalf("Engine stopped serving after abandoned call: %v", err)
	}
}
