package events

// Topic constants for payment lifecycle events.
const (
	TopicPaymentInitiated = "payment.initiated"
	TopicPaymentSucceeded = "payment.succeeded"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentCancelled = "payment.cancelled"
)

// TransitionTopics returns the topics emitted when a payment reaches a terminal status.
func TransitionTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicPaymentCancelled,
	}
}

// DefaultTopics returns every topic downstream subscribers may receive.
func DefaultTopics() []string {
	return append([]string{TopicPaymentInitiated}, TransitionTopics()...)
}
