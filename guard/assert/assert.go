package assert

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/HighNoonStudio/lib-guard/guard/log"
)

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError represents a failed assertion with component context.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
}

// Error returns the formatted assertion failure message.
func (entry *AssertionError) Error() string {
	if entry == nil {
		return ErrAssertionFailed.Error()
	}

	return "assertion failed: " + entry.Message
}

// Unwrap returns the sentinel assertion error for errors.Is.
func (entry *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter evaluates invariants and logs violations. A nil logger is
// replaced by the no-op logger, so construction never fails.
type Asserter struct {
	logger    log.Logger
	component string
	operation string
}

// New creates an Asserter labeled with component and operation.
func New(logger log.Logger, component, operation string) *Asserter {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Asserter{
		logger:    logger,
		component: component,
		operation: operation,
	}
}

// That returns an error if ok is false. Use for general-purpose invariants.
func (asserter *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return asserter.fail(ctx, "That", msg, kv...)
}

// NotNil returns an error if v is nil. Handles both untyped nil and
// typed nil interface values.
func (asserter *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !isNil(v) {
		return nil
	}

	return asserter.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty returns an error if s is empty or whitespace-only.
func (asserter *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return asserter.fail(ctx, "NotEmpty", msg, kv...)
}

// Never always fails. Use for code paths that must be unreachable,
// such as nil receivers on exported methods.
func (asserter *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return asserter.fail(ctx, "Never", msg, kv...)
}

func (asserter *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	component, operation := "", ""
	logger := log.Logger(&log.NopLogger{})

	if asserter != nil {
		component, operation = asserter.component, asserter.operation
		if asserter.logger != nil {
			logger = asserter.logger
		}
	}

	fields := []log.Field{
		log.String("assertion", assertion),
		log.String("component", component),
		log.String("operation", operation),
	}

	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, log.Any(fmt.Sprintf("%v", kv[i]), kv[i+1]))
	}

	logger.Log(ctx, log.LevelError, "assertion failed: "+msg, fields...)

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: component,
		Operation: operation,
	}
}

// isNil reports whether v is untyped nil or a typed nil pointer,
// interface, map, slice, channel, or func.
func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
