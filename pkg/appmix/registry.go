package appmix

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// sessionRecord tracks one live session together with the engine-side
// state that isn't the native handle's business
type sessionRecord struct {
	session Session

	// shared from the icon cache, nil when no icon could be extracted
	icon []byte

	// set when event subscription failed; the session still accepts
	// commands but delivers no live updates
	degraded bool
}

// sessionRegistry is the canonical set of live sessions, keyed by process ID.
// Only the engine's owner thread mutates it.
type sessionRegistry struct {
	logger *zap.SugaredLogger
	m      map[uint32]*sessionRecord
	lock   sync.Locker
}

func newSessionRegistry(logger *zap.SugaredLogger) *sessionRegistry {
	logger = logger.Named("registry")

	registry := &sessionRegistry{
		logger: logger,
		m:      make(map[uint32]*sessionRecord),
		lock:   &sync.Mutex{},
	}

	logger.Debug("Created session registry instance")

	return registry
}

// add registers a record for its process ID. The first record for a given
// PID wins; adding a duplicate returns false and leaves the map untouched.
func (r *sessionRegistry) add(record *sessionRecord) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	pid := record.session.PID()

	if _, ok := r.m[pid]; ok {
		r.logger.Debugw("Ignoring duplicate session for process", "pid", pid)
		return false
	}

	r.m[pid] = record

	return true
}

func (r *sessionRegistry) get(pid uint32) (*sessionRecord, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.m[pid]

	return record, ok
}

// remove unregisters a record without releasing it
func (r *sessionRegistry) remove(pid uint32) (*sessionRecord, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.m[pid]
	if !ok {
		return nil, false
	}

	delete(r.m, pid)

	return record, true
}

func (r *sessionRegistry) pids() []uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()

	pids := make([]uint32, 0, len(r.m))
	for pid := range r.m {
		pids = append(pids, pid)
	}

	return pids
}

func (r *sessionRegistry) iterate(f func(record *sessionRecord)) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, record := range r.m {
		f(record)
	}
}

// clear releases all sessions and empties the registry
func (r *sessionRegistry) clear() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.logger.Debug("Releasing and clearing all audio sessions")

	for pid, record := range r.m {
		record.session.Release()
		delete(r.m, pid)
	}

	r.logger.Debug("Session registry cleared")
}

func (r *sessionRegistry) String() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return fmt.Sprintf("<%d audio sessions>", len(r.m))
}
