package schema

// NotificationType is the `type` field of a frame sent to conversation listeners.
type NotificationType string

const (
	NotifyMessage      NotificationType = "message"
	NotifyThinking     NotificationType = "thinking"
	NotifyStreamStart  NotificationType = "stream_start"
	NotifyStreamChunk  NotificationType = "stream_chunk"
	NotifyStreamEnd    NotificationType = "stream_end"
	NotifyFinalMessage NotificationType = "final_message"
	NotifyError        NotificationType = "error"
)

// Journaled reports whether notifications of this type are recorded for
// replay. Chunks are reconstructed from the flushed message instead.
func (t NotificationType) Journaled() bool {
	switch t {
	case NotifyStreamChunk, NotifyThinking:
		return false
	default:
		return true
	}
}

// Terminal reports whether the notification ends a turn for listeners.
func (t NotificationType) Terminal() bool {
	return t == NotifyStreamEnd || t == NotifyFinalMessage || t == NotifyError
}
