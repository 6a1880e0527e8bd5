package bus

import (
	"encoding/json"
	"time"
)

// MessageType identifies the payload shape of a message.
type MessageType string

const (
	TypeWorkflowCreate     MessageType = "workflow.create"
	TypeWorkflowTaskCreate MessageType = "workflow.task.create"
	TypeWorkflowCancel     MessageType = "workflow.cancel"

	TypeAdapterMessageCreated MessageType = "adapter.message.created"

	TypeWorkflowLifecycleChanged MessageType = "workflow.lifecycle.changed"
	TypeTaskLifecycleChanged     MessageType = "workflow.task.lifecycle.changed"
	TypeTaskResolved             MessageType = "workflow.task.resolved"
	TypeWorkflowResolved         MessageType = "workflow.resolved"

	TypeRequestMessage MessageType = "request.message"
)

// Payload is the interface all typed message payloads implement.
type Payload interface {
	MessageType() MessageType
}

// CmdWorkflowCreate asks the workflow service to create a workflow. The
// definition is kept raw here; the workflow package owns its schema.
type CmdWorkflowCreate struct {
	WorkflowID string          `json:"workflowId"`
	Definition json.RawMessage `json:"definition"`
}

func (CmdWorkflowCreate) MessageType() MessageType { return TypeWorkflowCreate }

// CmdWorkflowTaskCreate asks the workflow service to add a task to an
// existing workflow.
type CmdWorkflowTaskCreate struct {
	WorkflowID  string          `json:"workflowId"`
	TaskID      string          `json:"taskId"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

func (CmdWorkflowTaskCreate) MessageType() MessageType { return TypeWorkflowTaskCreate }

// CmdWorkflowCancel cancels a workflow and cascades to its tasks.
type CmdWorkflowCancel struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason,omitempty"`
}

func (CmdWorkflowCancel) MessageType() MessageType { return TypeWorkflowCancel }

// EvtAdapterMessageCreated is an inbound chat message observed by a platform
// adapter. For discord replies, Raw carries discord.replyToMessageId.
type EvtAdapterMessageCreated struct {
	Platform    string         `json:"platform"`
	ChannelID   string         `json:"channelId"`
	ChannelName string         `json:"channelName,omitempty"`
	MessageID   string         `json:"messageId"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName,omitempty"`
	Text        string         `json:"text"`
	Ts          int64          `json:"ts"`
	Raw         map[string]any `json:"raw,omitempty"`
}

func (EvtAdapterMessageCreated) MessageType() MessageType { return TypeAdapterMessageCreated }

// EvtWorkflowLifecycleChanged reports a workflow state transition.
type EvtWorkflowLifecycleChanged struct {
	WorkflowID string `json:"workflowId"`
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	Ts         int64  `json:"ts"`
}

func (EvtWorkflowLifecycleChanged) MessageType() MessageType { return TypeWorkflowLifecycleChanged }

// EvtWorkflowTaskLifecycleChanged reports a task state transition.
type EvtWorkflowTaskLifecycleChanged struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	Ts         int64  `json:"ts"`
}

func (EvtWorkflowTaskLifecycleChanged) MessageType() MessageType { return TypeTaskLifecycleChanged }

// EvtWorkflowTaskResolved carries the resolution result of one task.
type EvtWorkflowTaskResolved struct {
	WorkflowID string          `json:"workflowId"`
	TaskID     string          `json:"taskId"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (EvtWorkflowTaskResolved) MessageType() MessageType { return TypeTaskResolved }

// EvtWorkflowResolved reports that a workflow's aggregation completed.
type EvtWorkflowResolved struct {
	WorkflowID string          `json:"workflowId"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (EvtWorkflowResolved) MessageType() MessageType { return TypeWorkflowResolved }

// ChatMessage is one LLM chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CmdRequestMessage asks the agent runtime to run an LLM request.
type CmdRequestMessage struct {
	Queue    string         `json:"queue"`
	Messages []ChatMessage  `json:"messages"`
	Raw      map[string]any `json:"raw,omitempty"`
}

func (CmdRequestMessage) MessageType() MessageType { return TypeRequestMessage }

// NewMessage builds a bus message from a typed payload.
func NewMessage(topic Topic, p Payload, h Headers) Message {
	return Message{
		ID:      newMessageID(),
		Topic:   topic,
		Type:    p.MessageType(),
		Headers: h,
		Ts:      time.Now(),
		Payload: toMap(p),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// Extract decodes a message payload back into its typed form.
func Extract[T Payload](m Message) (T, bool) {
	var result T
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
