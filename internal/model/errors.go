package model

import "github.com/rotisserie/eris"

// Orchestration failure kinds. Components wrap these so the escalation
// controller can match them with errors.Is.
var (
	// ErrCreationFailed means an execution context could not be provisioned.
	ErrCreationFailed = eris.New("execution context creation failed")
	// ErrContextLost means a context died while a unit was bound to it.
	ErrContextLost = eris.New("execution context lost")
	// ErrConfigurationFailed means an option-selection command failed.
	ErrConfigurationFailed = eris.New("configuration failed")
	// ErrTimeout means the completion-wait ceiling was exceeded.
	ErrTimeout = eris.New("completion wait timed out")
	// ErrExtractFailed means every extraction strategy came back empty or failed.
	ErrExtractFailed = eris.New("result extraction failed")
)
