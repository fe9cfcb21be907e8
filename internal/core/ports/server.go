package ports

import "context"

// ServerStatus is the lifecycle status of the long-lived analysis server
// owned by the client.
type ServerStatus string

const (
	ServerStarting ServerStatus = "starting"
	ServerStarted  ServerStatus = "started"
	ServerStopping ServerStatus = "stopping"
	ServerStopped  ServerStatus = "stopped"
	ServerError    ServerStatus = "error"
)

// ServerEvent is a status change notification. Err is set for ServerError.
type ServerEvent struct {
	Status ServerStatus
	Err    error
}

// AnalysisServer is the client-owned server process that talks to the engine
// container.
type AnalysisServer interface {
	Status() ServerStatus
	Start(ctx context.Context) error
	// Stop requests the server to stop. Completion is reported as a
	// ServerStopped event; failures as ServerError events.
	Stop(ctx context.Context) error
	// Subscribe registers a listener and returns its unsubscribe function.
	Subscribe(fn func(ServerEvent)) (unsubscribe func())
}

// Companion is an auxiliary listener started and stopped with the services.
type Companion interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
