package deej

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/stalexteam/deej_esp32/pkg/deej/util"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

type sessionMap struct {
	deej   *Deej
	logger *zap.SugaredLogger

	m    map[string][]Session
	lock sync.Locker

	sessionFinder SessionFinder

	lastSessionRefresh time.Time
	unmappedSessions   []Session
}

// SliderMoveEvent represents a single slider move captured by deej
type SliderMoveEvent struct {
	SliderID     int
	PercentValue float32
}

type SwitchEvent struct {
	SwitchID  int
	State     bool
	PrevState bool
	HasPrev   bool
}

const (
	masterSessionName = "master" // master device volume
	systemSessionName = "system" // system sounds volume
	inputSessionName  = "mic"    // microphone input level

	// some targets need to be transformed before their correct audio sessions can be accessed.
	// this prefix identifies those targets to ensure they don't contradict with another similarly-named process
	specialTargetTransformPrefix = "deej."

	// targets the currently active window (Windows-only, experimental)
	specialTargetCurrentWindow = "current"

	// targets all currently unmapped sessions (experimental)
	specialTargetAllUnmapped = "unmapped"

	// this threshold constant assumes that re-acquiring all sessions is a kind of expensive operation,
	// and needs to be limited in some manner. this value was previously user-configurable through a config
	// key "process_refresh_frequency", but exposing this type of implementation detail seems wrong now
	minTimeBetweenSessionRefreshes = time.Second * 5

	// determines whether the map should be refreshed when a slider moves.
	// this is a bit greedy but allows us to ensure sessions are always re-acquired, which is
	// especially important for process groups (because you can have one ongoing session
	// always preventing lookup of other processes bound to its slider, which forces the user
	// to manually refresh sessions). a cleaner way to do this down the line is by registering to notifications
	// whenever a new session is added, but that's too hard to justify for how easy this solution is
	maxTimeBetweenSessionRefreshes = time.Second * 45
)

// this matches friendly device names (on Windows), e.g. "Headphones (Realtek Audio)"
var deviceSessionKeyPattern = regexp.MustCompile(`^.+ \(.+\)$`)

func newSessionMap(deej *Deej, logger *zap.SugaredLogger, sessionFinder SessionFinder) (*sessionMap, error) {
	logger = logger.Named("sessions")

	m := &sessionMap{
		deej:          deej,
		logger:        logger,
		m:             make(map[string][]Session),
		lock:          &sync.Mutex{},
		sessionFinder: sessionFinder,
	}

	logger.Debug("Created session map instance")

	return m, nil
}

func (m *sessionMap) initialize() error {
	// Log all available audio devices at startup
	if devices, err := m.sessionFinder.GetAllDevices(); err == nil {
		m.logger.Infow("Available audio devices", "count", len(devices))
		for _, device := range devices {
			if device.Description != "" {
				m.logger.Infow("Audio device", "name", device.Name, "type", device.Type, "description", device.Description)
			} else {
				m.logger.Infow("Audio device", "name", device.Name, "type", device.Type)
			}
		}
	} else {
		m.logger.Warnw("Failed to enumerate audio devices", "error", err)
	}

	if err := m.getAndAddSessions(); err != nil {
		m.logger.Warnw("Failed to get all sessions during session map initialization", "error", err)
		return fmt.Errorf("get all sessions during init: %w", err)
	}

	m.setupOnConfigReload()
	m.setupOnSliderMove()
	m.setupOnSwitchEvent()

	return nil
}

func (m *sessionMap) release() error {
	if err := m.sessionFinder.Release(); err != nil {
		m.logger.Warnw("Failed to release session finder during session map release", "error", err)
		return fmt.Errorf("release session finder during release: %w", err)
	}

	return nil
}

// assumes the session map is clean!
// only call on a new session map or as part of refreshSessions which calls reset
func (m *sessionMap) getAndAddSessions() error {

	// mark that we're refreshing before anything else
	m.lastSessionRefresh = time.Now()
	m.unmappedSessions = nil

	sessions, err := m.sessionFinder.GetAllSessions()
	if err != nil {
		m.logger.Warnw("Failed to get sessions from session finder", "error", err)
		return fmt.Errorf("get sessions from SessionFinder: %w", err)
	}

	for _, session := range sessions {
		m.add(session)
		m.applySwitchMuteState(session)

		// Log all sessions at INFO level so they appear in release build logs
		m.logger.Infow("Audio session", "key", session.Key(), "session", session)

		if !m.sessionMapped(session) {
			m.logger.Debugw("Tracking unmapped session", "session", session)
			m.unmappedSessions = append(m.unmappedSessions, session)
		}
	}

	m.logger.Infow("Got all audio sessions successfully", "count", len(sessions))
	m.logger.Debugw("Session map details", "sessionMap", m)

	return nil
}

func (m *sessionMap) setupOnConfigReload() {
	configReloadedChannel := m.deej.config.SubscribeToChanges()

	go func() {
		for {
			<-configReloadedChannel
			m.logger.Info("Detected config reload, attempting to re-acquire all audio sessions")
			// Use force=true to ensure sessions are refreshed even if minTimeBetweenSessionRefreshes hasn't passed.
			// This is critical when paths are added/removed/changed in the config, as we need to re-evaluate
			// all sessions against the new mapping immediately.
			m.refreshSessions(true)
		}
	}()
}

func (m *sessionMap) setupOnSliderMove() {
	sliderEventsChannel := m.deej.SubscribeToSliderMoveEvents()

	go func() {
		for {
			event, ok := <-sliderEventsChannel
			if !ok {
				// Channel closed, exit goroutine
				m.logger.Debug("Slider events channel closed, exiting handler")
				return
			}
			m.handleSliderMoveEvent(event)
		}
	}()
}

func (m *sessionMap) setupOnSwitchEvent() {
	switchEventsChannel := m.deej.SubscribeToSwitchEvents()

	go func() {
		for {
			event, ok := <-switchEventsChannel
			if !ok {
				// Channel closed, exit goroutine
				m.logger.Debug("Switch events channel closed, exiting handler")
				return
			}
			m.handleSwitchEvent(event)
		}
	}()
}

// performance: explain why force == true at every such use to avoid unintended forced refresh spams
func (m *sessionMap) refreshSessions(force bool) {

	// make sure enough time passed since the last refresh, unless force is true in which case always clear
	if !force && m.lastSessionRefresh.Add(minTimeBetweenSessionRefreshes).After(time.Now()) {
		return
	}

	// clear and release sessions first
	m.clear()

	if err := m.getAndAddSessions(); err != nil {
		m.logger.Warnw("Failed to re-acquire all audio sessions", "error", err)
	} else {
		m.logger.Debug("Re-acquired sessions successfully")
	}
}

// returns true if a session is not currently mapped to any slider, false otherwise
// special sessions (master, system, mic) and device-specific sessions always count as mapped,
// even when absent from the config. this makes sense for every current feature that uses "unmapped sessions"
func (m *sessionMap) sessionMapped(session Session) bool {

	// count master/system/mic as mapped
	if funk.ContainsString([]string{masterSessionName, systemSessionName, inputSessionName}, session.Key()) {
		return true
	}

	// count device sessions as mapped
	if deviceSessionKeyPattern.MatchString(session.Key()) {
		return true
	}

	matchFound := false

	// look through the actual mappings
	m.deej.config.SliderMapping.iterate(func(sliderIdx int, targets []string) {
		for _, target := range targets {

			// ignore special transforms
			if m.targetHasSpecialTransform(target) {
				continue
			}

			// safe to assume this has a single element because we made sure there's no special transform
			target = m.resolveTarget(target)[0]

			if util.IsPath(target) {
				// Match by path
				if util.PathMatches(session.ProcessPath(), target) {
					matchFound = true
					return
				}
			} else {
				// process name?
				if target == session.Key() {
					matchFound = true
					return
				}
			}
		}
	})

	return matchFound
}

func (m *sessionMap) handleSliderMoveEvent(event SliderMoveEvent) {

	// first of all, ensure our session map isn't moldy
	if m.lastSessionRefresh.Add(maxTimeBetweenSessionRefreshes).Before(time.Now()) {
		m.logger.Debug("Stale session map detected on slider move, refreshing")
		m.refreshSessions(true)
	}

	// get the targets mapped to this slider from the config
	targets, ok := m.deej.config.SliderMapping.get(event.SliderID)

	// if slider not found in config, silently ignore
	if !ok {
		return
	}

	targetFound := false
	adjustmentFailed := false

	// for each possible target for this slider...
	for _, target := range targets {

		// resolve the target name by cleaning it up and applying any special transformations.
		// depending on the transformation applied, this can result in more than one target name
		resolvedTargets := m.resolveTarget(target)

		// for each resolved target...
		for _, resolvedTarget := range resolvedTargets {

			if util.IsPath(resolvedTarget) {
				// Match by path
				m.iterateAllSessions(func(session Session) {
					if util.PathMatches(session.ProcessPath(), resolvedTarget) {
						targetFound = true
						if err := session.SetVolume(event.PercentValue); err != nil {
							m.logger.Warnw("Failed to set target session volume", "error", err)
							adjustmentFailed = true
						}
						if session.GetSwitchMuteCount() > 0 {
							if err := session.SetMute(true, true); err != nil {
								m.logger.Warnw("Failed to re-assert mute for target session", "error", err)
								adjustmentFailed = true
							}
						}
					}
				})
			} else {
				// Match by process name (?)
				sessions, ok := m.get(resolvedTarget)

				// no sessions matching this target - move on
				if !ok {
					continue
				}

				targetFound = true

				// iterate all matching sessions and adjust the volume of each one
				for _, session := range sessions {
					if err := session.SetVolume(event.PercentValue); err != nil {
						m.logger.Warnw("Failed to set target session volume", "error", err)
						adjustmentFailed = true
					}
					if session.GetSwitchMuteCount() > 0 {
						if err := session.SetMute(true, true); err != nil {
							m.logger.Warnw("Failed to re-assert mute for target session", "error", err)
							adjustmentFailed = true
						}
					}
				}
			}
		}
	}

	// if we still haven't found a target or the volume adjustment failed, maybe look for the target again.
	// processes could've opened since the last time this slider moved.
	// if they haven't, the cooldown will take care to not spam it up
	if !targetFound {
		m.refreshSessions(false)
	} else if adjustmentFailed {

		// performance: the reason that forcing a refresh here is okay is that we'll only get here
		// when a session's SetVolume call errored, such as in the case of a stale master session
		// (or another, more catastrophic failure happens)
		m.refreshSessions(true)
	}
}

func (m *sessionMap) applySwitchStateToSession(session Session, state bool, prevState bool, hasPrev bool) bool {
	if hasPrev && state == prevState {
		return false
	}

	delta := 0
	if hasPrev {
		if state {
			delta = 1
		} else {
			delta = -1
		}
	} else if state {
		delta = 1
	}

	if delta != 0 {
		session.AdjustSwitchMuteCount(delta)
	}

	if session.GetSwitchMuteCount() > 0 {
		if !session.GetMute() {
			if err := session.SetMute(true, false); err != nil {
				m.logger.Warnw("Failed to set mute state for target session", "error", err)
				return true
			}
		}
		return false
	}

	if session.GetMute() && (!hasPrev || !state) {
		if err := session.SetMute(false, false); err != nil {
			m.logger.Warnw("Failed to set mute state for target session", "error", err)
			return true
		}
	}

	return false
}

func (m *sessionMap) applySwitchMuteState(session Session) {
	count := m.calculateSwitchMuteCount(session)
	session.SetSwitchMuteCount(count)

	if count > 0 && !session.GetMute() {
		if err := session.SetMute(true, true); err != nil {
			m.logger.Warnw("Failed to apply initial mute state for session", "error", err)
		}
	}
}

func (m *sessionMap) calculateSwitchMuteCount(session Session) int {
	count := 0

	m.deej.config.SwitchesMapping.iterate(func(switchID int, targets []string) {
		state, ok := m.deej.GetSwitchState(switchID)
		if !ok {
			return
		}

		if m.deej.config.InvertSwitches {
			state = !state
		}

		if !state {
			return
		}

		for _, target := range targets {
			resolvedTargets := m.resolveTarget(target)
			for _, resolvedTarget := range resolvedTargets {
				if util.IsPath(resolvedTarget) {
					if util.PathMatches(session.ProcessPath(), resolvedTarget) {
						count++
						return
					}
				} else if resolvedTarget == session.Key() {
					count++
					return
				}
			}
		}
	})

	return count
}

func (m *sessionMap) handleSwitchEvent(event SwitchEvent) {

	if m.lastSessionRefresh.Add(maxTimeBetweenSessionRefreshes).Before(time.Now()) {
		m.logger.Debug("Stale session map detected on switch event, refreshing")
		m.refreshSessions(true)
	}

	targets, ok := m.deej.config.SwitchesMapping.get(event.SwitchID)
	if !ok {
		return
	}

	state := event.State
	prevState := event.PrevState

	if m.deej.config.InvertSwitches {
		state = !state
		prevState = !prevState
	}

	targetFound := false
	actionFailed := false
	appliedSessions := make(map[Session]struct{})

	applyToSession := func(session Session) {
		if _, ok := appliedSessions[session]; ok {
			return
		}
		appliedSessions[session] = struct{}{}
		actionFailed = m.applySwitchStateToSession(session, state, prevState, event.HasPrev) || actionFailed
	}

	for _, target := range targets {
		resolvedTargets := m.resolveTarget(target)

		for _, resolvedTarget := range resolvedTargets {
			if util.IsPath(resolvedTarget) {
				// Match by path
				m.iterateAllSessions(func(session Session) {
					if util.PathMatches(session.ProcessPath(), resolvedTarget) {
						targetFound = true
						applyToSession(session)
					}
				})
			} else {
				// Match by process name (?)
				sessions, ok := m.get(resolvedTarget)
				if !ok {
					continue
				}

				targetFound = true

				for _, session := range sessions {
					applyToSession(session)
				}
			}
		}
	}

	if !targetFound {
		m.refreshSessions(false)
	} else if actionFailed {
		m.refreshSessions(true)
	}
}

func (m *sessionMap) targetHasSpecialTransform(target string) bool {
	return strings.HasPrefix(target, specialTargetTransformPrefix)
}

func (m *sessionMap) resolveTarget(target string) []string {

	// start by ignoring the case
	target = strings.ToLower(target)

	// look for any special targets first, by examining the prefix
	if m.targetHasSpecialTransform(target) {
		return m.applyTargetTransform(strings.TrimPrefix(target, specialTargetTransformPrefix))
	}

	return []string{target}
}

func (m *sessionMap) applyTargetTransform(specialTargetName string) []string {

	// select the transformation based on its name
	switch specialTargetName {

	// get current active window
	case specialTargetCurrentWindow:
		currentWindowProcessNames, err := util.GetCurrentWindowProcessNames()

		// silently ignore errors here, as this is on deej's "hot path" (and it could just mean the user's running linux)
		if err != nil {
			return nil
		}

		// we could have gotten a non-lowercase names from that, so let's ensure we return ones that are lowercase
		for targetIdx, target := range currentWindowProcessNames {
			currentWindowProcessNames[targetIdx] = strings.ToLower(target)
		}

		// remove dupes
		return funk.UniqString(currentWindowProcessNames)

	// get currently unmapped sessions
	case specialTargetAllUnmapped:
		targetKeys := make([]string, len(m.unmappedSessions))
		for sessionIdx, session := range m.unmappedSessions {
			targetKeys[sessionIdx] = session.Key()
		}

		return targetKeys
	}

	return nil
}

func (m *sessionMap) add(value Session) {
	m.lock.Lock()
	defer m.lock.Unlock()

	key := value.Key()

	existing, ok := m.m[key]
	if !ok {
		m.m[key] = []Session{value}
	} else {
		m.m[key] = append(existing, value)
	}
}

func (m *sessionMap) get(key string) ([]Session, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.m[key]
	return value, ok
}

func (m *sessionMap) clear() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.logger.Debug("Releasing and clearing all audio sessions")

	for key, sessions := range m.m {
		for _, session := range sessions {
			session.Release()
		}

		delete(m.m, key)
	}

	m.logger.Debug("Session map cleared")
}

func (m *sessionMap) iterateAllSessions(f func(Session)) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, sessions := range m.m {
		for _, session := range sessions {
			f(session)
		}
	}
}

func (m *sessionMap) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()

	sessionCount := 0

	for _, value := range m.m {
		sessionCount += len(value)
	}

	return fmt.Sprintf("<%d audio sessions>", sessionCount)
}
