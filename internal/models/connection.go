package models

// ConnectionState - состояние подключения к площадке
type ConnectionState string

const (
	ConnDisconnected   ConnectionState = "DISCONNECTED"
	ConnConnecting     ConnectionState = "CONNECTING"
	ConnAuthenticating ConnectionState = "AUTHENTICATING"
	ConnAuthenticated  ConnectionState = "AUTHENTICATED"
	ConnSubscribed     ConnectionState = "SUBSCRIBED"
)
