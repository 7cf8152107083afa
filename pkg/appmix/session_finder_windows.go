package appmix

import (
	"errors"
	"fmt"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

type wcaSessionFinder struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	// our event context distinguishes changes we make from everyone
	// else's when they echo back through session notifications
	eventCtx *ole.GUID

	sink *eventSink

	mmDeviceEnumerator *wca.IMMDeviceEnumerator
}

const appmixEventCtxGUID = "{d3a6c8e1-2f54-4a0b-9b63-7e1c4a85f29d}"

func newSessionFinder(logger *zap.SugaredLogger, sink *eventSink) (SessionFinder, error) {
	sf := &wcaSessionFinder{
		logger:        logger.Named("session_finder"),
		sessionLogger: logger.Named("sessions"),
		eventCtx:      ole.NewGUID(appmixEventCtxGUID),
		sink:          sink,
	}

	sf.logger.Debug("Created WCA session finder instance")

	return sf, nil
}

// the device enumerator survives between refreshes; everything else is
// re-acquired per call
func (sf *wcaSessionFinder) ensureDeviceEnumerator() error {
	if sf.mmDeviceEnumerator != nil {
		return nil
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&sf.mmDeviceEnumerator,
	); err != nil {
		sf.logger.Warnw("Failed to create device enumerator", "error", err)
		return fmt.Errorf("create device enumerator: %w", err)
	}

	return nil
}

// GetAllSessions returns a fresh handle for every per-process session on
// the default render endpoint
func (sf *wcaSessionFinder) GetAllSessions() ([]Session, error) {
	sessions := []Session{}

	if err := sf.ensureDeviceEnumerator(); err != nil {
		return nil, err
	}

	var mmDevice *wca.IMMDevice
	if err := sf.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmDevice); err != nil {
		sf.logger.Warnw("Failed to get default audio endpoint", "error", err)
		return nil, fmt.Errorf("get default audio endpoint: %w", err)
	}
	defer mmDevice.Release()

	var audioSessionManager2 *wca.IAudioSessionManager2
	if err := mmDevice.Activate(
		wca.IID_IAudioSessionManager2,
		wca.CLSCTX_ALL,
		nil,
		&audioSessionManager2,
	); err != nil {
		sf.logger.Warnw("Failed to activate audio session manager", "error", err)
		return nil, fmt.Errorf("activate session manager: %w", err)
	}
	defer audioSessionManager2.Release()

	var sessionEnumerator *wca.IAudioSessionEnumerator
	if err := audioSessionManager2.GetSessionEnumerator(&sessionEnumerator); err != nil {
		sf.logger.Warnw("Failed to get session enumerator", "error", err)
		return nil, fmt.Errorf("get session enumerator: %w", err)
	}
	defer sessionEnumerator.Release()

	var sessionCount int
	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		sf.logger.Warnw("Failed to get session count", "error", err)
		return nil, fmt.Errorf("get session count: %w", err)
	}

	sf.logger.Debugw("Got session count from session enumerator", "count", sessionCount)

	for i := 0; i < sessionCount; i++ {
		session, err := sf.enumerateSession(sessionEnumerator, i)
		if err != nil {

			// one uncooperative session shouldn't cost us the rest
			sf.logger.Warnw("Failed to enumerate session", "index", i, "error", err)
			continue
		}

		if session != nil {
			sessions = append(sessions, session)
		}
	}

	return sessions, nil
}

// enumerateSession inspects one entry of the session enumerator. A nil
// session with a nil error means the entry was deliberately skipped.
func (sf *wcaSessionFinder) enumerateSession(
	sessionEnumerator *wca.IAudioSessionEnumerator,
	index int,
) (Session, error) {

	var audioSessionControl *wca.IAudioSessionControl
	if err := sessionEnumerator.GetSession(index, &audioSessionControl); err != nil {
		return nil, fmt.Errorf("get session %d from enumerator: %w", index, err)
	}

	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		audioSessionControl.Release()
		return nil, fmt.Errorf("query session %d IAudioSessionControl2: %w", index, err)
	}

	// we no longer need the base control interface
	audioSessionControl.Release()

	// receive a useful object instead of our dispatch
	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	var pid uint32
	if err := audioSessionControl2.GetProcessId(&pid); err != nil {

		// the system sounds session errors here; it belongs to no single
		// process and isn't ours to control
		if sysSoundsErr := audioSessionControl2.IsSystemSoundsSession(); sysSoundsErr == nil {
			sf.logger.Debugw("Skipping system sounds session", "index", index)
			audioSessionControl2.Release()

			return nil, nil
		}

		audioSessionControl2.Release()

		return nil, fmt.Errorf("query session %d pid: %w", index, err)
	}

	if pid == 0 {
		audioSessionControl2.Release()
		return nil, nil
	}

	volumeDispatch, err := audioSessionControl2.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		audioSessionControl2.Release()
		return nil, fmt.Errorf("query session %d ISimpleAudioVolume: %w", index, err)
	}

	simpleAudioVolume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(volumeDispatch))

	session, err := newWCASession(
		sf.sessionLogger,
		audioSessionControl2,
		simpleAudioVolume,
		pid,
		sf.eventCtx,
		sf.sink,
	)
	if err != nil {

		// newWCASession released the handles for us
		if errors.Is(err, errNoSuchProcess) {
			return nil, nil
		}

		return nil, fmt.Errorf("create session for pid %d: %w", pid, err)
	}

	return session, nil
}

// GetAllDevices enumerates the currently active render endpoints
func (sf *wcaSessionFinder) GetAllDevices() ([]AudioDevice, error) {
	devices := []AudioDevice{}

	if err := sf.ensureDeviceEnumerator(); err != nil {
		return nil, err
	}

	// the default endpoint's id marks the IsDefault entry; having no
	// default at all is not an error
	defaultID := ""

	var defaultDevice *wca.IMMDevice
	if err := sf.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &defaultDevice); err != nil {
		sf.logger.Debugw("No default audio endpoint", "error", err)
	} else {
		if err := defaultDevice.GetId(&defaultID); err != nil {
			sf.logger.Warnw("Failed to get default endpoint id", "error", err)
		}

		defaultDevice.Release()
	}

	var collection *wca.IMMDeviceCollection
	if err := sf.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &collection); err != nil {
		sf.logger.Warnw("Failed to enumerate audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate audio endpoints: %w", err)
	}
	defer collection.Release()

	var count uint32
	if err := collection.GetCount(&count); err != nil {
		sf.logger.Warnw("Failed to get endpoint count", "error", err)
		return nil, fmt.Errorf("get endpoint count: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		device, err := sf.describeDevice(collection, i)
		if err != nil {
			sf.logger.Warnw("Failed to describe audio endpoint", "index", i, "error", err)
			continue
		}

		device.IsDefault = defaultID != "" && device.ID == defaultID

		devices = append(devices, device)
	}

	sf.logger.Debugw("Enumerated audio endpoints", "count", len(devices))

	return devices, nil
}

func (sf *wcaSessionFinder) describeDevice(
	collection *wca.IMMDeviceCollection,
	index uint32,
) (AudioDevice, error) {

	var endpoint *wca.IMMDevice
	if err := collection.Item(index, &endpoint); err != nil {
		return AudioDevice{}, fmt.Errorf("get endpoint %d: %w", index, err)
	}
	defer endpoint.Release()

	var id string
	if err := endpoint.GetId(&id); err != nil {
		return AudioDevice{}, fmt.Errorf("get endpoint id: %w", err)
	}

	var propertyStore *wca.IPropertyStore
	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return AudioDevice{}, fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return AudioDevice{}, fmt.Errorf("get endpoint friendly name: %w", err)
	}

	return AudioDevice{ID: id, Name: value.String()}, nil
}

func (sf *wcaSessionFinder) Release() error {
	if sf.mmDeviceEnumerator != nil {
		sf.mmDeviceEnumerator.Release()
		sf.mmDeviceEnumerator = nil
	}

	sf.logger.Debug("Released WCA session finder instance")

	return nil
}
