// Package logging provides a minimal logging interface and adapters for agentloop.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, stores and transports use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter and ContextLogger built on Go's structured logging
//   - ZerologAdapter for zerolog based binaries
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewConsoleLogger(os.Stderr, logging.LogLevelInfo)
//	eng := engine.New(mgr, m, reg, func(o *engine.Options) { o.Logger = logger })
//
// The design keeps the interface minimal to avoid vendor lock-in while
// supporting structured logging where available.
package logging
