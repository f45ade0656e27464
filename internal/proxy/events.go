package proxy

// Event names published on the eventlog.Bus.
const (
	EventServerConnected      = "server.connected"
	EventServerDisconnected   = "server.disconnected"
	EventServerReconnecting   = "server.reconnecting"
	EventUpstreamNotification = "server.notification"
)
