// Package appmix provides per-application control over the system audio
// mixer: volume, mute and output device routing for every process that owns
// an audio session, with near-real-time change notifications.
package appmix

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/appmix/appmix/pkg/appmix/util"
)

// AppMix is the main entity managing access to all sub-components
type AppMix struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig
	engine   *Engine
	server   *Server

	stopChannel chan bool
	version     string
	verbose     bool
	stopping    sync.Once // Ensures signalStop is only called once
}

// NewAppMix creates an AppMix instance
func NewAppMix(logger *zap.SugaredLogger, verbose bool) (*AppMix, error) {
	logger = logger.Named("appmix")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	a := &AppMix{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	sink := newEventSink(defaultEventBufferSize)

	finder, err := newSessionFinder(logger, sink)
	if err != nil {
		logger.Errorw("Failed to create SessionFinder", "error", err)
		return nil, fmt.Errorf("create new SessionFinder: %w", err)
	}

	engine, err := newEngine(
		logger,
		finder,
		newDeviceRouter(logger),
		newIconCache(logger, newIconExtractor(config)),
		sink)
	if err != nil {
		logger.Errorw("Failed to create Engine", "error", err)
		return nil, fmt.Errorf("create new Engine: %w", err)
	}
	a.engine = engine

	server, err := NewServer(engine, config, logger)
	if err != nil {
		logger.Errorw("Failed to create Server", "error", err)
		return nil, fmt.Errorf("create new Server: %w", err)
	}
	a.server = server

	logger.Debug("Created appmix instance")

	return a, nil
}

// Initialize sets up components and starts to run in the background
func (a *AppMix) Initialize() error {
	a.logger.Debug("Initializing")

	// load the config for the first time
	if err := a.config.Load(); err != nil {
		a.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	// bring up the audio engine's owner thread
	if err := a.engine.Start(); err != nil {
		a.logger.Errorw("Failed to start audio engine", "error", err)
		return fmt.Errorf("start audio engine: %w", err)
	}

	if err := a.server.Start(); err != nil {
		a.logger.Errorw("Failed to start server", "error", err)
		return fmt.Errorf("start server: %w", err)
	}

	a.setupInterruptHandler()
	a.run()

	return nil
}

// SetVersion causes appmix to report a version string if called before Initialize
func (a *AppMix) SetVersion(version string) {
	a.version = version
}

// Verbose returns a boolean indicating whether appmix is running in verbose mode
func (a *AppMix) Verbose() bool {
	return a.verbose
}

func (a *AppMix) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		a.logger.Debugw("Interrupted", "signal", signal)
		a.signalStop()
	}()
}

func (a *AppMix) run() {
	a.logger.Info("Run loop starting")

	// watch the config file for changes
	go a.config.WatchConfigFileChanges()

	a.setupOnConfigReload()

	// wait until stopped (gracefully)
	<-a.stopChannel
	a.logger.Debug("Stop channel signaled, terminating")

	if err := a.stop(); err != nil {
		a.logger.Warnw("Failed to stop appmix", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

func (a *AppMix) signalStop() {
	a.stopping.Do(func() {
		a.logger.Debug("Signalling stop channel")
		select {
		case a.stopChannel <- true:
		default:
			// Channel already has a signal, ignore
		}
	})
}

func (a *AppMix) stop() error {
	a.logger.Info("Stopping")

	a.config.StopWatchingConfigFile()

	a.server.Stop()
	a.engine.Stop()

	// attempt to sync on exit - this won't necessarily work but can't harm
	a.logger.Sync()

	return nil
}

// setupOnConfigReload restarts the server when the configured listen
// address changes. Server.Start is a no-op when the address is unchanged.
func (a *AppMix) setupOnConfigReload() {
	configReloadedChannel := a.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			if err := a.server.Start(); err != nil {
				a.logger.Warnw("Failed to restart server after config reload", "error", err)
			}
		}
	}()
}
