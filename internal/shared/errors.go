package shared

import "errors"

// Error taxonomy shared by the deciding and executing sides. Callers wrap
// these with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrParse means model output could not be reduced to a command.
	ErrParse = errors.New("parse error")
	// ErrSchema means a command was reduced but failed validation.
	ErrSchema = errors.New("schema error")
	// ErrLLMTransport covers timeouts and network failures calling the model.
	ErrLLMTransport = errors.New("llm transport error")
	// ErrExecution means the executor failed to perform a validated action.
	ErrExecution = errors.New("execution error")
	// ErrProtocol marks malformed or out-of-sequence protocol messages.
	ErrProtocol = errors.New("protocol error")
	// ErrConnection means the session channel is down.
	ErrConnection = errors.New("connection error")
	// ErrSessionNotFound is returned for unknown session identifiers.
	ErrSessionNotFound = errors.New("session not found")
)

// IsRecoverable reports whether err belongs to a class the decision loop
// absorbs on its own (parse, schema, transport, execution).
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrParse) ||
		errors.Is(err, ErrSchema) ||
		errors.Is(err, ErrLLMTransport) ||
		errors.Is(err, ErrExecution)
}
