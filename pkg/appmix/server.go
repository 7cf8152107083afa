package appmix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// Server fronts the engine over HTTP: JSON endpoints for commands and an
// EventSource stream that pushes session changes to connected clients
type Server struct {
	engine *Engine
	config *CanonicalConfig
	logger *zap.SugaredLogger
	server *http.Server

	stopChannel chan bool
	running     int32 // Atomic flag: 1 = running, 0 = stopped

	// ConnectionManager manages all active SSE connections
	manager *eventsource.ConnectionManager

	// Event counter for SSE id field
	eventID int64

	// Current listen address (for tracking config changes)
	currentAddress string
	addressMutex   sync.Mutex

	subscribeOnce sync.Once
}

const (
	// SSE retry timeout in milliseconds
	sseRetryTimeout = 30000

	// Ping interval
	pingInterval = 10 * time.Second
)

// errorResponse is the envelope every failed request gets back
type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer creates a new server instance. It does not bind until Start.
func NewServer(engine *Engine, config *CanonicalConfig, logger *zap.SugaredLogger) (*Server, error) {
	logger = logger.Named("server")

	manager := eventsource.NewConnectionManager()

	// Set up callbacks for connection events
	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New event stream client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("Event stream client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &Server{
		engine:      engine,
		config:      config,
		logger:      logger,
		stopChannel: make(chan bool),
		manager:     manager,
		eventID:     1,
	}

	logger.Debug("Created server instance")

	return srv, nil
}

// Start starts the HTTP server on the configured listen address
func (srv *Server) Start() error {
	address := srv.config.ListenAddress
	if address == "" {
		srv.logger.Debug("No listen address configured, server will not start")
		return nil
	}

	srv.addressMutex.Lock()
	currentAddress := srv.currentAddress
	srv.addressMutex.Unlock()

	// If already running on the same address, no need to restart
	if atomic.LoadInt32(&srv.running) == 1 && currentAddress == address {
		srv.logger.Debugw("Server already running on the same address", "address", address)
		return nil
	}

	// If running on a different address, stop first
	if atomic.LoadInt32(&srv.running) == 1 {
		srv.logger.Infow("Listen address changed, restarting",
			"old_address", currentAddress,
			"new_address", address)
		srv.Stop()

		// Wait a bit for graceful shutdown
		time.Sleep(100 * time.Millisecond)
	}

	srv.server = &http.Server{
		Addr:    address,
		Handler: srv.routes(),
	}

	srv.addressMutex.Lock()
	srv.currentAddress = address
	srv.addressMutex.Unlock()

	atomic.StoreInt32(&srv.running, 1)

	go func() {
		srv.logger.Infow("Starting HTTP server", "address", address)

		if err := srv.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("HTTP server error", "error", err)
			atomic.StoreInt32(&srv.running, 0)
		}
	}()

	// The engine subscription survives address changes, so take it once
	srv.subscribeOnce.Do(func() {
		go srv.pumpSessionEvents(srv.engine.SubscribeToSessionEvents())
	})

	// Start ping goroutine
	go srv.pingLoop()

	return nil
}

// Stop stops the HTTP server
func (srv *Server) Stop() {
	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	srv.logger.Debug("Stopping HTTP server")

	// Signal stop
	select {
	case srv.stopChannel <- true:
	default:
	}

	// Close all connections using ConnectionManager
	if srv.manager != nil {
		srv.manager.CloseAll()
		srv.logger.Debugw("Closed all event stream connections", "count", srv.manager.Count())
	}

	// Stop HTTP server with graceful shutdown
	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during server shutdown", "error", err)
			srv.server.Close()
		}
	}

	atomic.StoreInt32(&srv.running, 0)

	srv.addressMutex.Lock()
	srv.currentAddress = ""
	srv.addressMutex.Unlock()

	srv.logger.Info("HTTP server stopped")
}

// IsRunning returns whether the server is currently running
func (srv *Server) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

// routes builds the HTTP surface. Split out so tests can drive handlers
// through httptest without binding a listener.
func (srv *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sessions", srv.handleListSessions)
	mux.HandleFunc("/api/session", srv.handleGetSession)
	mux.HandleFunc("/api/sessions/volume", srv.handleSetVolume)
	mux.HandleFunc("/api/sessions/mute", srv.handleSetMute)
	mux.HandleFunc("/api/devices", srv.handleListDevices)
	mux.HandleFunc("/api/sessions/route", srv.handleRouteSession)
	mux.HandleFunc("/api/routing", srv.handleRouting)
	mux.HandleFunc("/api/routing/clear", srv.handleClearRouting)
	mux.Handle("/events", srv.eventStreamHandler())

	return mux
}

func (srv *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodGet) {
		return
	}

	sessions, err := srv.engine.ListSessions(r.Context())
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, sessions)
}

func (srv *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodGet) {
		return
	}

	pid, err := strconv.ParseUint(r.URL.Query().Get("pid"), 10, 32)
	if err != nil {
		srv.writeErrorResponse(w, http.StatusBadRequest, "bad_request", "pid must be a process id")
		return
	}

	session, err := srv.engine.GetSession(r.Context(), uint32(pid))
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, session)
}

func (srv *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodPost) {
		return
	}

	var request struct {
		ProcessID uint32   `json:"process_id"`
		Volume    *float32 `json:"volume"`
	}

	if !srv.decodeRequest(w, r, &request) {
		return
	}

	if request.Volume == nil {
		srv.writeErrorResponse(w, http.StatusBadRequest, "bad_request", "volume is required")
		return
	}

	if err := srv.engine.SetSessionVolume(r.Context(), request.ProcessID, *request.Volume); err != nil {
		srv.writeError(w, err)
		return
	}

	session, err := srv.engine.GetSession(r.Context(), request.ProcessID)
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, session)
}

func (srv *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodPost) {
		return
	}

	var request struct {
		ProcessID uint32 `json:"process_id"`
		Mute      *bool  `json:"mute"`
	}

	if !srv.decodeRequest(w, r, &request) {
		return
	}

	if request.Mute == nil {
		srv.writeErrorResponse(w, http.StatusBadRequest, "bad_request", "mute is required")
		return
	}

	if err := srv.engine.SetSessionMute(r.Context(), request.ProcessID, *request.Mute); err != nil {
		srv.writeError(w, err)
		return
	}

	session, err := srv.engine.GetSession(r.Context(), request.ProcessID)
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, session)
}

func (srv *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodGet) {
		return
	}

	devices, err := srv.engine.ListDevices(r.Context())
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, devices)
}

func (srv *Server) handleRouteSession(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodPost) {
		return
	}

	var request struct {
		ProcessID uint32 `json:"process_id"`
		DeviceID  string `json:"device_id"`
	}

	if !srv.decodeRequest(w, r, &request) {
		return
	}

	if request.DeviceID == "" {
		srv.writeErrorResponse(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}

	if err := srv.engine.RouteSession(r.Context(), request.ProcessID, request.DeviceID); err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, RoutingAssignment{
		ProcessID: request.ProcessID,
		DeviceID:  request.DeviceID,
	})
}

func (srv *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodGet) {
		return
	}

	assignments, err := srv.engine.Assignments(r.Context())
	if err != nil {
		srv.writeError(w, err)
		return
	}

	result := make([]RoutingAssignment, 0, len(assignments))
	for pid, deviceID := range assignments {
		result = append(result, RoutingAssignment{ProcessID: pid, DeviceID: deviceID})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ProcessID < result[j].ProcessID
	})

	srv.writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleClearRouting(w http.ResponseWriter, r *http.Request) {
	if !srv.requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := srv.engine.ClearRouting(r.Context()); err != nil {
		srv.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// eventStreamHandler serves the EventSource endpoint. Each client gets the
// retry hint and a snapshot of the current sessions, then shares the
// broadcast stream.
func (srv *Server) eventStreamHandler() http.Handler {
	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(sseRetryTimeout); err != nil {
			if eventsource.IsConnectionError(err) {
				srv.logger.Debugw("Error sending retry, connection closed", "error", err)
			} else {
				srv.logger.Debugw("Error sending retry field", "error", err)
			}
			return
		}

		srv.sendSnapshotToEncoder(encoder)

		// Wait for client disconnect or server stop
		select {
		case <-stop:
			return
		case <-srv.stopChannel:
			return
		}
	})

	// Use HandlerWithManager to automatically manage connections
	return eventsource.HandlerWithManager(srv.manager, handler)
}

// sendSnapshotToEncoder brings a new client up to date: one event per live
// session with volume, mute and state. Icons stay on the JSON API.
func (srv *Server) sendSnapshotToEncoder(encoder *eventsource.Encoder) {
	sessions, err := srv.engine.ListSessions(context.Background())
	if err != nil {
		srv.logger.Warnw("Failed to snapshot sessions for new client", "error", err)
		return
	}

	for _, session := range sessions {
		volume := session.Volume
		muted := session.Muted

		data, err := json.Marshal(SessionEventNotification{
			ProcessID: session.ProcessID,
			Volume:    &volume,
			Muted:     &muted,
			State:     session.State,
		})
		if err != nil {
			srv.logger.Warnw("Failed to marshal session snapshot", "error", err)
			continue
		}

		event := eventsource.Event{
			ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
			Type: "session",
			Data: data,
		}

		if err := encoder.Encode(event); err != nil {
			if eventsource.IsConnectionError(err) {
				srv.logger.Debugw("Error sending snapshot, connection closed", "error", err)
			} else {
				srv.logger.Debugw("Error sending snapshot event", "error", err)
			}
			return
		}
	}
}

// pumpSessionEvents forwards engine notifications to every connected
// client. It exits when the engine closes the subscription channel.
func (srv *Server) pumpSessionEvents(events <-chan SessionEventNotification) {
	for notification := range events {
		srv.broadcastNotification(notification)
	}
}

func (srv *Server) broadcastNotification(notification SessionEventNotification) {
	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	data, err := json.Marshal(notification)
	if err != nil {
		srv.logger.Warnw("Failed to marshal session notification", "error", err)
		return
	}

	event := eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: "session",
		Data: data,
	}

	// Use ConnectionManager.Broadcast to send to all clients
	if err := srv.manager.Broadcast(event); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Some connections failed during broadcast", "error", err)
		}
		// ConnectionManager automatically removes failed connections
	}
}

// pingLoop keeps idle connections alive through proxies that drop silent
// streams
func (srv *Server) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-srv.stopChannel:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&srv.running) == 0 {
				return
			}

			event := eventsource.Event{
				ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
				Type: "ping",
				Data: []byte(`{}`),
			}

			// Use ConnectionManager.Broadcast to send ping to all clients
			if err := srv.manager.Broadcast(event); err != nil {
				if eventsource.IsConnectionError(err) {
					srv.logger.Debugw("Some connections failed during ping broadcast", "error", err)
				}
				// ConnectionManager automatically removes failed connections
			}
		}
	}
}

func (srv *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		srv.writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed",
			fmt.Sprintf("%s requires %s", r.URL.Path, method))

		return false
	}

	return true
}

func (srv *Server) decodeRequest(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		srv.writeErrorResponse(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("decode request body: %v", err))

		return false
	}

	return true
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		srv.logger.Debugw("Failed to write response", "error", err)
	}
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatusCode(err)
	srv.writeErrorResponse(w, status, code, err.Error())
}

func (srv *Server) writeErrorResponse(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(errorResponse{
		Status:  status,
		Code:    code,
		Message: message,
	}); err != nil {
		srv.logger.Debugw("Failed to write error response", "error", err)
	}
}

// errorStatusCode maps engine errors onto the HTTP error envelope
func errorStatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrVolumeOutOfRange):
		return http.StatusBadRequest, "volume_out_of_range"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound, "device_not_found"
	case errors.Is(err, ErrRoutingUnavailable):
		return http.StatusNotImplemented, "routing_unavailable"
	case errors.Is(err, ErrDeviceEnumeration):
		return http.StatusServiceUnavailable, "device_enumeration_failed"
	case errors.Is(err, ErrEngineStopped), errors.Is(err, ErrComInitFailed):
		return http.StatusServiceUnavailable, "audio_engine_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
