package constraints

// Feature tags identify which domain operation an outbox entry replays.
const (
	FeatureTimesheet  = "timesheet"
	FeatureAttendance = "attendance"
)

// Action describes an outbox change event pushed to watchers.
type Action string

const (
	ActionEnqueued     Action = "enqueued"
	ActionDelivered    Action = "delivered"
	ActionRescheduled  Action = "rescheduled"
	ActionDiscarded    Action = "discarded"
	ActionDeadLettered Action = "dead_lettered"
	ActionPing         Action = "ping"
)

// CurrentSchemaVersion is stamped on new payloads unless the caller overrides it.
const CurrentSchemaVersion = 1
