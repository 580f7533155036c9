package kafka

import "strings"

const (
	// TopicReports carries every worker report, keyed by worker address.
	TopicReports = "tasks.reports"
	// TopicTerminal carries terminal notices, keyed by process instance id.
	TopicTerminal = "tasks.terminal"

	dispatchPrefix = "tasks.dispatch."
	ackPrefix      = "tasks.ack."

	// HeaderWorkerAddress names the worker a message comes from or goes to.
	HeaderWorkerAddress = "worker-address"
	// HeaderKind names the message type: KindDispatch, KindAck or KindTerminal.
	HeaderKind = "message-kind"

	KindDispatch = "dispatch"
	KindAck      = "ack"
	KindTerminal = "terminal"
)

var topicSafe = strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "")

// DispatchTopic is the per-worker command topic.
func DispatchTopic(workerAddress string) string {
	return dispatchPrefix + topicSafe.Replace(workerAddress)
}

// AckTopic is the per-worker reply topic.
func AckTopic(workerAddress string) string {
	return ackPrefix + topicSafe.Replace(workerAddress)
}

// WorkerAddress returns the sender of msg: the message key, or the
// worker-address header when the key is empty.
func (m Message) WorkerAddress() string {
	if len(m.Key) > 0 {
		return string(m.Key)
	}
	return HeaderCarrier(m.Headers).Get(HeaderWorkerAddress)
}
