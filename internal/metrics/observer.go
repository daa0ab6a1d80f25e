package metrics

// HubObserver tracks event stream watchers.
type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	RecordDrop()
}

// OutboxObserver tracks queue activity. Trigger is "scheduler" or "manual".
type OutboxObserver interface {
	RecordEnqueued(feature string)
	RecordRejected(feature string)
	RecordDelivered(feature, trigger string)
	RecordRescheduled(feature, trigger string)
	RecordDiscarded(feature string)
	RecordDeadLettered(feature string)
	ObserveSubmitLatency(feature string, seconds float64)
	ObserveTickDuration(seconds float64)
	RecordTickSkipped()
	SetDepth(depth map[string]int)
}

type NopHubObserver struct{}

func (NopHubObserver) IncOnline()  {}
func (NopHubObserver) DecOnline()  {}
func (NopHubObserver) RecordPush() {}
func (NopHubObserver) RecordDrop() {}

type NopOutboxObserver struct{}

func (NopOutboxObserver) RecordEnqueued(string)                {}
func (NopOutboxObserver) RecordRejected(string)                {}
func (NopOutboxObserver) RecordDelivered(string, string)       {}
func (NopOutboxObserver) RecordRescheduled(string, string)     {}
func (NopOutboxObserver) RecordDiscarded(string)               {}
func (NopOutboxObserver) RecordDeadLettered(string)            {}
func (NopOutboxObserver) ObserveSubmitLatency(string, float64) {}
func (NopOutboxObserver) ObserveTickDuration(float64)          {}
func (NopOutboxObserver) RecordTickSkipped()                   {}
func (NopOutboxObserver) SetDepth(map[string]int)              {}
