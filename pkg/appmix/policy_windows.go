package appmix

import (
	"fmt"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// Windows.Media.Internal.AudioPolicyConfig is how the modern settings app
// pins an app to an output device. The interface is unsupported and
// undocumented: this file is the only place that knows its shape, and
// every failure to obtain it degrades into ErrRoutingUnavailable.
const audioPolicyConfigClass = "Windows.Media.Internal.AudioPolicyConfig"

var (
	// 21H2 and later
	iidAudioPolicyConfig = ole.NewGUID("{ab3d4648-e242-459f-b02f-541c70306324}")

	// earlier windows 10 builds
	iidAudioPolicyConfigDownlevel = ole.NewGUID("{2a59116d-6c4f-45e0-a74f-707e3fef9258}")
)

var (
	modCombase = syscall.NewLazyDLL("combase.dll")

	procRoGetActivationFactory    = modCombase.NewProc("RoGetActivationFactory")
	procWindowsCreateString       = modCombase.NewProc("WindowsCreateString")
	procWindowsDeleteString       = modCombase.NewProc("WindowsDeleteString")
	procWindowsGetStringRawBuffer = modCombase.NewProc("WindowsGetStringRawBuffer")
)

// render data flow, matching the sessions we enumerate
const dataFlowRender = 0

// endpoint roles
const (
	roleConsole        = 0
	roleMultimedia     = 1
	roleCommunications = 2
)

// audioPolicyConfigVtbl mirrors the factory's method table: IUnknown,
// IInspectable, three reserved slots, then the endpoint methods
type audioPolicyConfigVtbl struct {
	queryInterface      uintptr
	addRef              uintptr
	release             uintptr
	getIids             uintptr
	getRuntimeClassName uintptr
	getTrustLevel       uintptr
	reserved1           uintptr
	reserved2           uintptr
	reserved3           uintptr

	setPersistedDefaultAudioEndpoint             uintptr
	getPersistedDefaultAudioEndpoint             uintptr
	clearAllPersistedApplicationDefaultEndpoints uintptr
}

type audioPolicyConfig struct {
	vtbl *audioPolicyConfigVtbl
}

// policyRouter lazily acquires the factory on first use and keeps it for
// the engine's lifetime. Every method runs on the engine's owner thread.
type policyRouter struct {
	logger *zap.SugaredLogger

	unknown *ole.IUnknown
	config  *audioPolicyConfig
}

func newDeviceRouter(logger *zap.SugaredLogger) deviceRouter {
	return &policyRouter{logger: logger.Named("routing")}
}

func (pr *policyRouter) ensureFactory() error {
	if pr.config != nil {
		return nil
	}

	classID, err := createHString(audioPolicyConfigClass)
	if err != nil {
		return fmt.Errorf("%w: create class string: %v", ErrRoutingUnavailable, err)
	}
	defer deleteHString(classID)

	var unknown *ole.IUnknown

	hr, _, _ := procRoGetActivationFactory.Call(
		classID,
		uintptr(unsafe.Pointer(ole.IID_IUnknown)),
		uintptr(unsafe.Pointer(&unknown)))
	if int32(hr) < 0 || unknown == nil {
		return fmt.Errorf("%w: activate factory: %v", ErrRoutingUnavailable, ole.NewError(hr))
	}

	// newer builds moved the interface id; try 21H2 first, then fall back
	dispatch, err := unknown.QueryInterface(iidAudioPolicyConfig)
	if err != nil {
		dispatch, err = unknown.QueryInterface(iidAudioPolicyConfigDownlevel)
	}

	if err != nil {
		unknown.Release()
		return fmt.Errorf("%w: query policy config interface: %v", ErrRoutingUnavailable, err)
	}

	pr.unknown = unknown
	pr.config = (*audioPolicyConfig)(unsafe.Pointer(dispatch))

	pr.logger.Debug("Acquired audio policy config factory")

	return nil
}

// route persists deviceID as the default render endpoint for pid across
// the console, multimedia and communications roles
func (pr *policyRouter) route(pid uint32, deviceID string) error {
	if err := pr.ensureFactory(); err != nil {
		pr.logger.Warnw("Audio policy config factory unavailable", "error", err)
		return err
	}

	deviceHString, err := createHString(deviceID)
	if err != nil {
		return fmt.Errorf("create device id string: %w", err)
	}
	defer deleteHString(deviceHString)

	setEndpoint := func(role uintptr) uintptr {
		hr, _, _ := syscall.SyscallN(
			pr.config.vtbl.setPersistedDefaultAudioEndpoint,
			uintptr(unsafe.Pointer(pr.config)),
			uintptr(pid),
			dataFlowRender,
			role,
			deviceHString)

		return hr
	}

	// the console role's result decides success; the remaining roles are
	// set to match, their results ignored
	hr := setEndpoint(roleConsole)
	setEndpoint(roleMultimedia)
	setEndpoint(roleCommunications)

	if int32(hr) < 0 {
		setErr := ole.NewError(hr)
		pr.logger.Warnw("Failed to set persisted endpoint", "pid", pid, "error", setErr)

		return fmt.Errorf("set persisted endpoint for pid %d: %w", pid, setErr)
	}

	pr.verifyRoute(pid, deviceID)

	return nil
}

// verifyRoute reads the persisted endpoint back; a mismatch is worth a log
// line but doesn't fail the route
func (pr *policyRouter) verifyRoute(pid uint32, deviceID string) {
	var persisted uintptr

	hr, _, _ := syscall.SyscallN(
		pr.config.vtbl.getPersistedDefaultAudioEndpoint,
		uintptr(unsafe.Pointer(pr.config)),
		uintptr(pid),
		dataFlowRender,
		roleConsole,
		uintptr(unsafe.Pointer(&persisted)))
	if int32(hr) < 0 {
		pr.logger.Debugw("Failed to read persisted endpoint back",
			"pid", pid,
			"error", ole.NewError(hr))

		return
	}

	persistedID := readHString(persisted)
	deleteHString(persisted)

	if persistedID != deviceID {
		pr.logger.Warnw("Persisted endpoint differs from requested device",
			"pid", pid,
			"requested", deviceID,
			"persisted", persistedID)
	} else {
		pr.logger.Debugw("Verified persisted endpoint", "pid", pid, "deviceID", deviceID)
	}
}

// clear drops every per-process endpoint assignment the system holds, ours
// and anyone else's alike
func (pr *policyRouter) clear() error {
	if err := pr.ensureFactory(); err != nil {
		pr.logger.Warnw("Audio policy config factory unavailable", "error", err)
		return err
	}

	hr, _, _ := syscall.SyscallN(
		pr.config.vtbl.clearAllPersistedApplicationDefaultEndpoints,
		uintptr(unsafe.Pointer(pr.config)))
	if int32(hr) < 0 {
		clearErr := ole.NewError(hr)
		pr.logger.Warnw("Failed to clear persisted endpoints", "error", clearErr)

		return fmt.Errorf("clear persisted endpoints: %w", clearErr)
	}

	return nil
}

func (pr *policyRouter) close() error {
	if pr.config != nil {
		syscall.SyscallN(pr.config.vtbl.release, uintptr(unsafe.Pointer(pr.config)))
		pr.config = nil
	}

	if pr.unknown != nil {
		pr.unknown.Release()
		pr.unknown = nil
	}

	return nil
}

func createHString(s string) (uintptr, error) {
	encoded, err := syscall.UTF16FromString(s)
	if err != nil {
		return 0, fmt.Errorf("encode string: %w", err)
	}

	var hstring uintptr

	// length excludes the terminator
	hr, _, _ := procWindowsCreateString.Call(
		uintptr(unsafe.Pointer(&encoded[0])),
		uintptr(len(encoded)-1),
		uintptr(unsafe.Pointer(&hstring)))
	if int32(hr) < 0 {
		return 0, fmt.Errorf("create hstring: %w", ole.NewError(hr))
	}

	return hstring, nil
}

func deleteHString(hstring uintptr) {
	if hstring != 0 {
		procWindowsDeleteString.Call(hstring)
	}
}

func readHString(hstring uintptr) string {
	if hstring == 0 {
		return ""
	}

	var length uint32

	buffer, _, _ := procWindowsGetStringRawBuffer.Call(
		hstring,
		uintptr(unsafe.Pointer(&length)))
	if buffer == 0 || length == 0 {
		return ""
	}

	return syscall.UTF16ToString(unsafe.Slice((*uint16)(unsafe.Pointer(buffer)), length))
}
