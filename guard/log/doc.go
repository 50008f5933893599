// Package log defines the structured logging facade used by lib-guard.
//
// It decouples the library from any concrete logging backend; the zap
// package provides the production implementation.
package log
