package appmix

import (
	"sync"

	"go.uber.org/zap"
)

// iconExtractor turns an executable path into PNG-encoded image bytes.
// Implementations live in the platform files.
type iconExtractor func(path string) ([]byte, error)

// iconCache memoizes icon extraction per executable path, failures
// included, so every executable costs at most one extraction attempt.
// Sessions of the same executable share the cached slice.
type iconCache struct {
	logger  *zap.SugaredLogger
	extract iconExtractor

	lock  sync.Mutex
	icons map[string][]byte
}

func newIconCache(logger *zap.SugaredLogger, extract iconExtractor) *iconCache {
	return &iconCache{
		logger:  logger.Named("icons"),
		extract: extract,
		icons:   make(map[string][]byte),
	}
}

// resolve returns the PNG bytes for the given executable path, or nil when
// no icon can be extracted. It never returns an error: a session without
// an icon is a valid session.
func (c *iconCache) resolve(path string) []byte {
	if path == "" {
		return nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if icon, ok := c.icons[path]; ok {
		return icon
	}

	icon, err := c.extract(path)
	if err != nil {
		c.logger.Debugw("No icon extracted for executable", "path", path, "error", err)
		icon = nil
	} else {
		c.logger.Debugw("Extracted icon for executable", "path", path, "size", len(icon))
	}

	c.icons[path] = icon

	return icon
}
