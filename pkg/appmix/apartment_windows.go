package appmix

import (
	"fmt"

	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// hresult returned by CoInitializeEx when the thread already has COM up
const hresultSFalse = uintptr(0x00000001)

type comApartment struct {
	logger *zap.SugaredLogger
}

func newApartment(logger *zap.SugaredLogger) apartment {
	return &comApartment{logger: logger}
}

// enter initializes COM for the calling thread, which must already be
// locked to its goroutine. The multithreaded model matches the session and
// policy interfaces we drive from it.
func (a *comApartment) enter() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		oleErr, ok := err.(*ole.OleError)
		if !ok || oleErr.Code() != hresultSFalse {
			return fmt.Errorf("%w: %v", ErrComInitFailed, err)
		}

		// S_FALSE: COM was already initialized on this thread
	}

	a.logger.Debug("Initialized COM apartment")

	return nil
}

func (a *comApartment) leave() {
	ole.CoUninitialize()

	a.logger.Debug("Uninitialized COM apartment")
}
