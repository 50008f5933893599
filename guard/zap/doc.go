// Package zap adapts go.uber.org/zap to the guard log.Logger contract,
// with automatic trace/span correlation from OpenTelemetry contexts.
package zap
