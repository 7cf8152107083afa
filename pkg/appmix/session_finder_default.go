//go:build !windows

package appmix

import (
	"errors"

	"go.uber.org/zap"
)

var errUnsupportedPlatform = errors.New("audio sessions are only supported on windows")

func newSessionFinder(logger *zap.SugaredLogger, sink *eventSink) (SessionFinder, error) {
	return nil, errUnsupportedPlatform
}
