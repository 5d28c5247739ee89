package schema

// Event type constants published on the hub and appended to the archive log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepIgnored   = "step_ignored"

	EventConditionWarning    = "condition_warning"
	EventVariableSet         = "variable_set"
	EventNotificationCreated = "notification_created"

	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventCircuitBreakerClosed = "circuit_breaker_closed"
)

// TerminalEvent maps a terminal execution status to its event type.
func TerminalEvent(s ExecutionStatus) string {
	switch s {
	case ExecutionCompleted:
		return EventExecutionCompleted
	case ExecutionCancelled:
		return EventExecutionCancelled
	default:
		return EventExecutionFailed
	}
}
