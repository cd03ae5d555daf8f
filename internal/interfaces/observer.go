package interfaces

// Observer receives controller events for metrics collection.
// Implementations must be safe for concurrent use.
type Observer interface {
	// ObserveAdminCommand is called once per completed admin command
	ObserveAdminCommand(opcode uint8, success bool)

	// ObserveIOCommand is called once per completed dispatched command
	ObserveIOCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool)

	// ObserveAsyncEvent is called for each reported event, delivered or dropped
	ObserveAsyncEvent(delivered bool)

	// ObserveKeepAliveTimeout is called when a controller's keep-alive expires
	ObserveKeepAliveTimeout()

	// ObserveControllerState is called on every lifecycle transition
	ObserveControllerState(cntlID uint16, state string)

	// ObserveInFlight is called with the controller's in-flight command count
	ObserveInFlight(depth uint32)
}
