package appmix

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"syscall"
	"unsafe"

	"github.com/lxn/win"
)

var (
	modShell32          = syscall.NewLazyDLL("shell32.dll")
	procSHGetFileInfoW  = modShell32.NewProc("SHGetFileInfoW")
)

const (
	shgfiIcon              = 0x000000100
	shgfiUseFileAttributes = 0x000000010
	shgfiLargeIcon         = 0x000000000
	shgfiSmallIcon         = 0x000000001

	fileAttributeNormal = 0x00000080
)

type shellFileInfo struct {
	hIcon         win.HICON
	iIcon         int32
	dwAttributes  uint32
	szDisplayName [260]uint16
	szTypeName    [80]uint16
}

func newIconExtractor(config *CanonicalConfig) iconExtractor {
	return func(path string) ([]byte, error) {
		return extractIconPNG(path, config.IconSize)
	}
}

// extractIconPNG pulls the shell icon for the given executable and encodes
// it as an in-memory PNG. No files are written anywhere in the process.
func extractIconPNG(path string, size string) ([]byte, error) {
	sizeFlag := uintptr(shgfiLargeIcon)
	if size == IconSizeSmall {
		sizeFlag = shgfiSmallIcon
	}

	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("encode path: %w", err)
	}

	var info shellFileInfo

	ret, _, _ := procSHGetFileInfoW.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		0,
		uintptr(unsafe.Pointer(&info)),
		unsafe.Sizeof(info),
		shgfiIcon|sizeFlag)

	// inaccessible files still get the generic shell icon
	if ret == 0 || info.hIcon == 0 {
		ret, _, _ = procSHGetFileInfoW.Call(
			uintptr(unsafe.Pointer(pathPtr)),
			fileAttributeNormal,
			uintptr(unsafe.Pointer(&info)),
			unsafe.Sizeof(info),
			shgfiIcon|shgfiUseFileAttributes|sizeFlag)
	}

	if ret == 0 || info.hIcon == 0 {
		return nil, fmt.Errorf("no shell icon for %s", path)
	}
	defer win.DestroyIcon(info.hIcon)

	return renderIconPNG(info.hIcon)
}

// renderIconPNG converts an icon handle to PNG bytes by reading its color
// bitmap as a 32bpp top-down DIB
func renderIconPNG(icon win.HICON) ([]byte, error) {
	var iconInfo win.ICONINFO
	if !win.GetIconInfo(icon, &iconInfo) {
		return nil, fmt.Errorf("get icon info failed")
	}
	defer win.DeleteObject(win.HGDIOBJ(iconInfo.HbmMask))
	defer win.DeleteObject(win.HGDIOBJ(iconInfo.HbmColor))

	screenDC := win.GetDC(0)
	if screenDC == 0 {
		return nil, fmt.Errorf("get screen dc failed")
	}
	defer win.ReleaseDC(0, screenDC)

	memoryDC := win.CreateCompatibleDC(screenDC)
	if memoryDC == 0 {
		return nil, fmt.Errorf("create compatible dc failed")
	}
	defer win.DeleteDC(memoryDC)

	bitmapInfo := win.BITMAPINFO{
		BmiHeader: win.BITMAPINFOHEADER{
			BiSize: uint32(unsafe.Sizeof(win.BITMAPINFOHEADER{})),
		},
	}

	if win.GetDIBits(memoryDC, iconInfo.HbmColor, 0, 0, nil, &bitmapInfo, win.DIB_RGB_COLORS) == 0 {
		return nil, fmt.Errorf("query icon bitmap dimensions failed")
	}

	width := int(bitmapInfo.BmiHeader.BiWidth)

	height := int(bitmapInfo.BmiHeader.BiHeight)
	if height < 0 {
		height = -height
	}

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("icon bitmap has no dimensions")
	}

	// negative height requests a top-down DIB so rows arrive in image order
	bitmapInfo.BmiHeader.BiHeight = int32(-height)
	bitmapInfo.BmiHeader.BiPlanes = 1
	bitmapInfo.BmiHeader.BiBitCount = 32
	bitmapInfo.BmiHeader.BiCompression = win.BI_RGB
	bitmapInfo.BmiHeader.BiSizeImage = 0

	pixels := make([]byte, width*height*4)

	if win.GetDIBits(memoryDC, iconInfo.HbmColor, 0, uint32(height), &pixels[0], &bitmapInfo, win.DIB_RGB_COLORS) == 0 {
		return nil, fmt.Errorf("read icon bitmap failed")
	}

	// GDI hands back BGRA
	for i := 0; i < len(pixels); i += 4 {
		pixels[i], pixels[i+2] = pixels[i+2], pixels[i]
	}

	img := &image.NRGBA{
		Pix:    pixels,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}

	buffer := &bytes.Buffer{}
	if err := png.Encode(buffer, img); err != nil {
		return nil, fmt.Errorf("encode icon png: %w", err)
	}

	return buffer.Bytes(), nil
}
