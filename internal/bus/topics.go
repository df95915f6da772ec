package bus

// Run registry topics.
const (
	TopicRunStateChanged = "run.state_changed"
	TopicRunMetadata     = "run.metadata"
	TopicRunSteered      = "run.steered"
)

// TopicProcessorPrefix prefixes every session processor event; the event
// type is appended, e.g. "processor.tool.act".
const TopicProcessorPrefix = "processor."

// Permission topics.
const (
	TopicPermissionAsked   = "permission.asked"
	TopicPermissionReplied = "permission.replied"
)

// RunStateChangedEvent is published after a run transition commits.
type RunStateChangedEvent struct {
	RunID          string
	ConversationID string
	SubAgent       string
	OldStatus      string
	NewStatus      string
	Error          string
}

// RunMetadataEvent is published after metadata is merged into a run.
type RunMetadataEvent struct {
	RunID          string
	ConversationID string
	Keys           []string
}

// RunSteeredEvent is published when a run is steered.
type RunSteeredEvent struct {
	RunID          string
	ConversationID string
	Mode           string // "soft" or "hard"
	ReplacedBy     string // set in hard mode
}

// PermissionAskedEvent is published when a tool call waits on a human decision.
type PermissionAskedEvent struct {
	RequestID  string
	SessionID  string
	RunID      string
	Permission string
	Pattern    string
	Tool       string
	Reason     string
}

// PermissionRepliedEvent is published when an ask is resolved.
type PermissionRepliedEvent struct {
	RequestID string
	Approved  bool
}
