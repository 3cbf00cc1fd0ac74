package domain

// Lifecycle event types published on the signal bus and forwarded to the
// notification sink.
const (
	EventPositionOpened = "position_opened"
	EventPartialClose   = "partial_close"
	EventPositionClosed = "position_closed"
	EventBreakevenArmed = "breakeven_armed"
	EventBreakerState   = "breaker_state"
	EventReconcileIssue = "reconcile_issue"
)
