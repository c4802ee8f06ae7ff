package models

// Gateway event names. Every subscriber sees one publisher's events in
// publication order; there is no cross-publisher ordering.
const (
	EventRunStarted      = "run.started"
	EventRunDelta        = "run.delta"
	EventRunCompleted    = "run.completed"
	EventMessageReceived = "message.received"
	EventCronTrigger     = "cron.trigger"

	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"
	EventSessionDeleted = "session.deleted"
	EventSessionMessage = "session.message"
)

// RunStartedEvent announces a run popped from its session queue.
type RunStartedEvent struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// RunDeltaEvent carries one incremental chunk of assistant text.
// Concatenation of deltas is the correct assembly operation.
type RunDeltaEvent struct {
	RunID string `json:"runId"`
	Delta string `json:"delta"`
}

// RunCompletedEvent closes the bracket opened by RunStartedEvent; exactly
// one follows each start for a connected subscriber.
type RunCompletedEvent struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Success    bool   `json:"success"`
	Aborted    bool   `json:"aborted,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToolCallEvent is emitted at each tool start and end within a run.
type ToolCallEvent struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Phase      string `json:"phase"` // start | end
	IsError    bool   `json:"isError,omitempty"`
}

// MessageReceivedEvent is one coalesced inbound turn leaving the channel
// ingress pipeline.
type MessageReceivedEvent struct {
	SessionKey string      `json:"sessionKey"`
	Channel    string      `json:"channel"`
	UserID     string      `json:"userId"`
	Content    string      `json:"content"`
	Media      *MediaInput `json:"media,omitempty"`
}

// CronTriggerEvent fires at each scheduled moment of a cron task.
type CronTriggerEvent struct {
	TaskID     string   `json:"taskId"`
	Task       string   `json:"task"`
	SessionKey string   `json:"sessionKey"`
	Notify     []string `json:"notify,omitempty"`
}
