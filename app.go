// Package engine is the flowmonkey durable workflow engine
package engine

const (
	// Name identifies the service in logs and diagnostics
	Name = "flowmonkey"

	// Version is the engine release version
	Version = "0.1.0"
)
