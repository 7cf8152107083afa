package util

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const processQueryLimitedInformation = 0x1000

var (
	modKernel32 = syscall.NewLazyDLL("kernel32.dll")
	modVersion  = syscall.NewLazyDLL("version.dll")

	procQueryFullProcessImageNameW = modKernel32.NewProc("QueryFullProcessImageNameW")
	procGetFileVersionInfoSizeW    = modVersion.NewProc("GetFileVersionInfoSizeW")
	procGetFileVersionInfoW        = modVersion.NewProc("GetFileVersionInfoW")
	procVerQueryValueW             = modVersion.NewProc("VerQueryValueW")
)

// GetProcessPath returns the full executable path of the given process
func GetProcessPath(pid int) (string, error) {
	handle, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return "", fmt.Errorf("open process for query: %w", err)
	}
	defer windows.CloseHandle(handle)

	buffer := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buffer))

	ret, _, err := procQueryFullProcessImageNameW.Call(
		uintptr(handle),
		0,
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&size)))
	if ret == 0 {
		return "", fmt.Errorf("query process image name: %w", err)
	}

	return windows.UTF16ToString(buffer[:size]), nil
}

// GetFileDescription returns the FileDescription string from the given
// executable's version resource, if it carries one
func GetFileDescription(path string) (string, error) {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return "", fmt.Errorf("encode path: %w", err)
	}

	var verHandle uint32

	size, _, err := procGetFileVersionInfoSizeW.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&verHandle)))
	if size == 0 {
		return "", fmt.Errorf("get version info size: %w", err)
	}

	verInfo := make([]byte, size)

	ret, _, err := procGetFileVersionInfoW.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		0,
		size,
		uintptr(unsafe.Pointer(&verInfo[0])))
	if ret == 0 {
		return "", fmt.Errorf("get version info: %w", err)
	}

	// the translation table tells us which language/codepage pair the
	// string table is keyed under
	translationQuery, _ := syscall.UTF16PtrFromString(`\VarFileInfo\Translation`)

	var translationPtr unsafe.Pointer
	var translationLen uint32

	ret, _, _ = procVerQueryValueW.Call(
		uintptr(unsafe.Pointer(&verInfo[0])),
		uintptr(unsafe.Pointer(translationQuery)),
		uintptr(unsafe.Pointer(&translationPtr)),
		uintptr(unsafe.Pointer(&translationLen)))
	if ret == 0 || translationLen < 4 {
		return "", errors.New("no translation table in version resource")
	}

	translation := *(*uint32)(translationPtr)
	language := translation & 0xffff
	codePage := (translation >> 16) & 0xffff

	descriptionQuery, _ := syscall.UTF16PtrFromString(
		fmt.Sprintf(`\StringFileInfo\%04x%04x\FileDescription`, language, codePage))

	var descriptionPtr unsafe.Pointer
	var descriptionLen uint32

	ret, _, _ = procVerQueryValueW.Call(
		uintptr(unsafe.Pointer(&verInfo[0])),
		uintptr(unsafe.Pointer(descriptionQuery)),
		uintptr(unsafe.Pointer(&descriptionPtr)),
		uintptr(unsafe.Pointer(&descriptionLen)))
	if ret == 0 || descriptionLen == 0 {
		return "", errors.New("no file description in version resource")
	}

	description := windows.UTF16ToString(unsafe.Slice((*uint16)(descriptionPtr), descriptionLen))
	runtime.KeepAlive(verInfo)

	return description, nil
}
