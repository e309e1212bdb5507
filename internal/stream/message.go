package stream

import (
	"fmt"
	"time"

	"github.com/unistream/unistream/internal/workflow"
)

// Kind distinguishes instructions from recorded facts.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Direction records which side of the instance boundary a message crossed.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Message is the single record type the persistence layer stores. One
// instance owns one stream of these, densely numbered from position 1.
//
// Payload holds the external input for Direction=Input messages, a
// workflow.Command for output commands, and a workflow.Event for audit
// events. Processed is non-nil only on output commands: false while pending,
// true once a worker has claimed it. Position and Timestamp are assigned by
// the store at append time, never by callers.
type Message struct {
	WorkflowID string
	Position   int64
	Kind       Kind
	Direction  Direction
	Payload    any
	Timestamp  time.Time
	Processed  *bool
}

// IsOutputCommand reports whether the message carries a pending/processed flag.
func (m Message) IsOutputCommand() bool {
	return m.Kind == KindCommand && m.Direction == DirectionOutput
}

// IsAuditEvent reports whether the message is a recorded workflow event.
func (m Message) IsAuditEvent() bool {
	return m.Kind == KindEvent && m.Direction == DirectionOutput
}

// IsInput reports whether the message arrived from outside the instance.
func (m Message) IsInput() bool { return m.Direction == DirectionInput }

// Event returns the audit-event payload of an audit-event message.
func (m Message) Event() (workflow.Event, error) {
	ev, ok := m.Payload.(workflow.Event)
	if !ok {
		return workflow.Event{}, fmt.Errorf("message at %s/%d is not an audit event", m.WorkflowID, m.Position)
	}
	return ev, nil
}

// Command returns the command payload of an output-command message.
func (m Message) Command() (workflow.Command, error) {
	cmd, ok := m.Payload.(workflow.Command)
	if !ok {
		return workflow.Command{}, fmt.Errorf("message at %s/%d is not a command", m.WorkflowID, m.Position)
	}
	return cmd, nil
}

// NewInputCommand builds an unappended input message for an external command.
func NewInputCommand(workflowID string, input any) Message {
	return Message{WorkflowID: workflowID, Kind: KindCommand, Direction: DirectionInput, Payload: input}
}

// NewInputEvent builds an unappended input message for an external event.
func NewInputEvent(workflowID string, input any) Message {
	return Message{WorkflowID: workflowID, Kind: KindEvent, Direction: DirectionInput, Payload: input}
}

// NewOutputCommand builds an unappended output-command message.
func NewOutputCommand(workflowID string, cmd workflow.Command) Message {
	return Message{WorkflowID: workflowID, Kind: KindCommand, Direction: DirectionOutput, Payload: cmd}
}

// NewAuditEvent builds an unappended audit-event message.
func NewAuditEvent(workflowID string, ev workflow.Event) Message {
	return Message{WorkflowID: workflowID, Kind: KindEvent, Direction: DirectionOutput, Payload: ev}
}

// validate rejects messages a store must never accept.
func validate(workflowID string, m Message) error {
	if workflowID == "" {
		return fmt.Errorf("empty workflow id")
	}
	if m.WorkflowID != workflowID {
		return fmt.Errorf("message workflow id %q does not match stream %q", m.WorkflowID, workflowID)
	}
	if m.Kind != KindCommand && m.Kind != KindEvent {
		return fmt.Errorf("invalid kind %q", m.Kind)
	}
	if m.Direction != DirectionInput && m.Direction != DirectionOutput {
		return fmt.Errorf("invalid direction %q", m.Direction)
	}
	if m.Position != 0 {
		return fmt.Errorf("caller must not assign positions (got %d)", m.Position)
	}
	if m.Processed != nil {
		return fmt.Errorf("caller must not assign the processed flag")
	}
	if m.IsOutputCommand() {
		if _, ok := m.Payload.(workflow.Command); !ok {
			return fmt.Errorf("output command payload must be a workflow.Command, got %T", m.Payload)
		}
	}
	if m.IsAuditEvent() {
		if _, ok := m.Payload.(workflow.Event); !ok {
			return fmt.Errorf("audit event payload must be a workflow.Event, got %T", m.Payload)
		}
	}
	return nil
}
