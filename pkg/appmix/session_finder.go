package appmix

// AudioDevice represents an active audio render device
type AudioDevice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// SessionFinder represents an entity that can enumerate the system's
// current audio sessions and render devices
type SessionFinder interface {
	GetAllSessions() ([]Session, error)
	GetAllDevices() ([]AudioDevice, error)

	Release() error
}
