package appmix

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/appmix/appmix/pkg/appmix/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic
type CanonicalConfig struct {
	ListenAddress string
	IconSize      string

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeyListenAddress = "listen_address"
	configKeyIconSize      = "icon_size"

	defaultListenAddress = "127.0.0.1:4815"
)

// IconSize values accepted by the icon resolver
const (
	IconSizeLarge = "large"
	IconSizeSmall = "small"
)

var validIconSizes = []string{IconSizeLarge, IconSizeSmall}

// NewConfig creates a config instance for the application to use
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyListenAddress, defaultListenAddress)
	userConfig.SetDefault(configKeyIconSize, IconSizeLarge)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config from the disk, and notifies on errors
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the config file is optional: the defaults cover a fresh checkout
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debugw("Config file not found, using defaults", "path", userConfigFilepath)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error to the user
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!",
				"Please check the log file for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"listenAddress", cc.ListenAddress,
		"iconSize", cc.IconSize)

	return nil
}

// SubscribeToChanges allows external components to receive updates
// whenever the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (

		// don't reload more often than once every...
		minTimeBetweenReloadAttempts = time.Millisecond * 500

		// wait a bit after the last write event before reloading
		delayBetweenEventAndReload = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves,
	// since it's easier to get it working cross-platform
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when a file is edited through a GUI, there may be more than one
		// write event within a short period of time; only act on the first
		now := time.Now()

		if event.Op&fsnotify.Write == fsnotify.Write &&
			lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

			// let the editor relinquish its handles before reading
			<-time.After(delayBetweenEventAndReload)

			if err := cc.Load(); err != nil {
				cc.logger.Warnw("Failed to reload config file", "error", err)
			} else {
				cc.logger.Info("Reloaded config successfully")
				cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

				cc.onConfigReloaded()
			}

			lastAttemptedReload = now
		}
	})

	// wait till we're told to stop
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping filesystem watcher")
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
	}

	cc.closeReloadChannels()
}

func (cc *CanonicalConfig) populateFromVipers() error {
	cc.ListenAddress = cc.userConfig.GetString(configKeyListenAddress)
	cc.IconSize = strings.ToLower(cc.userConfig.GetString(configKeyIconSize))

	if cc.ListenAddress == "" {
		cc.logger.Warnw("Missing listen address, using default", "default", defaultListenAddress)
		cc.ListenAddress = defaultListenAddress
	}

	if !funk.ContainsString(validIconSizes, cc.IconSize) {
		cc.logger.Warnw("Invalid icon size, using default",
			"value", cc.IconSize,
			"validValues", validIconSizes,
			"default", IconSizeLarge)

		cc.IconSize = IconSizeLarge
	}

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying subscribers about configuration reload")

	for _, consumer := range cc.reloadConsumers {

		// need to send this asynchronously on each channel to avoid blocking if
		// a consumer isn't listening right now. this should be a very rare case
		go func(consumer chan bool) {
			defer func() {
				if r := recover(); r != nil {
					cc.logger.Debugw("Recovered from panic in reload consumer send", "recovered", r)
				}
			}()

			select {
			case consumer <- true:
			default:
			}
		}(consumer)
	}
}

func (cc *CanonicalConfig) closeReloadChannels() {
	for _, consumer := range cc.reloadConsumers {
		close(consumer)
	}

	cc.reloadConsumers = []chan bool{}
}
