package appmix

// RoutingAssignment records which device a process was last routed to.
// Assignments live for the current run only; the OS holds the persistent
// policy.
type RoutingAssignment struct {
	ProcessID uint32 `json:"process_id"`
	DeviceID  string `json:"device_id"`
}

// deviceRouter assigns per-process default audio endpoints. The real
// implementation wraps an unsupported Windows interface, so everything
// behind this contract is treated as optional at runtime: route and clear
// may fail with ErrRoutingUnavailable on systems that don't expose it.
type deviceRouter interface {

	// route makes the given render device the default endpoint for the
	// given process
	route(pid uint32, deviceID string) error

	// clear drops every per-process endpoint assignment the system holds
	clear() error

	close() error
}
