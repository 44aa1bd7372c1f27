package types

type RunMode string

const (
	// ModeLocal runs both the API surface and the background worker in one process
	ModeLocal RunMode = "local"
	// ModeAPI runs just the API surface
	ModeAPI RunMode = "api"
	// ModeWorker runs just the background worker
	ModeWorker RunMode = "worker"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
)
