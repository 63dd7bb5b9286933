// Package logging provides the structured logger for Confship.
//
// It wraps log/slog with service defaults (service name, version) and
// level/format parsing from configuration. Components that only need a
// subset of logging define their own small Logger interface and accept
// this type, keeping them testable without a real logger.
package logging
