package eventbus

// Event types published by newsbeat components.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	CycleStarted  = "cycle.started"
	CycleFinished = "cycle.finished"
	CycleAborted  = "cycle.aborted"

	CategoryPublished     = "category.published"
	CategoryEmpty         = "category.empty"
	CategoryPublishFailed = "category.publish_failed"

	FeedFailed       = "feed.failed"
	FeedBreakerState = "feed.breaker"

	MailSent    = "mail.sent"
	MailFailed  = "mail.failed"
	MailDropped = "mail.dropped"

	LiveConnected    = "live.connected"
	LiveDisconnected = "live.disconnected"
)
