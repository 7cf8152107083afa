//go:build !windows

package appmix

import "go.uber.org/zap"

type unsupportedRouter struct{}

func newDeviceRouter(logger *zap.SugaredLogger) deviceRouter {
	return unsupportedRouter{}
}

func (unsupportedRouter) route(pid uint32, deviceID string) error {
	return ErrRoutingUnavailable
}

func (unsupportedRouter) clear() error {
	return ErrRoutingUnavailable
}

func (unsupportedRouter) close() error {
	return nil
}
