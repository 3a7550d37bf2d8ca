package gateway

import "fmt"

// Terminal failure kinds surfaced to callers. ModelFailure and
// InvalidStatement are retried internally up to the attempt budget; once
// surfaced they tell the caller whether resubmitting the question may help.
const (
	KindModelFailure     = "model_failure"
	KindInvalidStatement = "invalid_statement"
	KindExecutionError   = "execution_error"
	KindTimeout          = "timeout"
)

type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether submitting the same question again may produce a
// different outcome. Execution failures are deterministic for a validated
// statement and are not worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindModelFailure || e.Kind == KindInvalidStatement
}
