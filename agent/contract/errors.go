package contract

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")

	// ErrClinicNotProcessable means the subscription gate denied the clinic;
	// the caller skips, no retry.
	ErrClinicNotProcessable = errors.New("clinic is not processable")

	// ErrConversationCreateFailed is a storage failure that survived the
	// race retry. The whole processing call is safe to retry from scratch.
	ErrConversationCreateFailed = errors.New("conversation create failed")

	// ErrInvalidToolCall marks an agent asking for an unregistered tool.
	// Recovered inside the engine; never patient-visible.
	ErrInvalidToolCall = errors.New("tool is not registered")

	// ErrCancelled means the pass was aborted mid-loop. Executed tool side
	// effects stay recorded; no outbound message is produced.
	ErrCancelled = errors.New("processing cancelled")
)
