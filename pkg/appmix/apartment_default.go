//go:build !windows

package appmix

import "go.uber.org/zap"

// there's no native subsystem to initialize off windows; the stub keeps
// the engine loop testable anywhere
type noopApartment struct{}

func newApartment(logger *zap.SugaredLogger) apartment {
	return noopApartment{}
}

func (noopApartment) enter() error {
	return nil
}

func (noopApartment) leave() {}
