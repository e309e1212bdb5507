package workflow

import (
	"fmt"
	"time"
)

// CommandKind enumerates the intents a decider can emit in one cycle.
type CommandKind int

const (
	CommandSend CommandKind = iota
	CommandPublish
	CommandSchedule
	CommandReply
	CommandComplete
)

func (k CommandKind) String() string {
	switch k {
	case CommandSend:
		return "send"
	case CommandPublish:
		return "publish"
	case CommandSchedule:
		return "schedule"
	case CommandReply:
		return "reply"
	case CommandComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ParseCommandKind maps the wire name back to a CommandKind.
func ParseCommandKind(s string) (CommandKind, error) {
	switch s {
	case "send":
		return CommandSend, nil
	case "publish":
		return CommandPublish, nil
	case "schedule":
		return CommandSchedule, nil
	case "reply":
		return CommandReply, nil
	case "complete":
		return CommandComplete, nil
	default:
		return 0, fmt.Errorf("unknown command kind %q", s)
	}
}

// Command is a single intent produced by Decide. Message carries the outgoing
// payload for every kind except Complete, where it is nil. After is set only
// for Schedule commands.
type Command struct {
	Kind    CommandKind
	After   time.Duration
	Message any
}

// Send targets a specific recipient via the message bus.
func Send(msg any) Command { return Command{Kind: CommandSend, Message: msg} }

// Publish fans the payload out to any interested subscriber.
func Publish(msg any) Command { return Command{Kind: CommandPublish, Message: msg} }

// ScheduleIn re-delivers msg as a new external input after the delay.
func ScheduleIn(after time.Duration, msg any) Command {
	return Command{Kind: CommandSchedule, After: after, Message: msg}
}

// Reply answers a query input without mutating state.
func Reply(msg any) Command { return Command{Kind: CommandReply, Message: msg} }

// Complete marks the instance terminal.
func Complete() Command { return Command{Kind: CommandComplete} }

// EventKind enumerates the audit-event variants recorded in a stream.
type EventKind int

const (
	EventBegan EventKind = iota
	EventInitiatedBy
	EventReceived
	EventSent
	EventPublished
	EventScheduled
	EventReplied
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventBegan:
		return "began"
	case EventInitiatedBy:
		return "initiated_by"
	case EventReceived:
		return "received"
	case EventSent:
		return "sent"
	case EventPublished:
		return "published"
	case EventScheduled:
		return "scheduled"
	case EventReplied:
		return "replied"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ParseEventKind maps the wire name back to an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "began":
		return EventBegan, nil
	case "initiated_by":
		return EventInitiatedBy, nil
	case "received":
		return EventReceived, nil
	case "sent":
		return EventSent, nil
	case "published":
		return EventPublished, nil
	case "scheduled":
		return EventScheduled, nil
	case "replied":
		return EventReplied, nil
	case "completed":
		return EventCompleted, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Event is one audit-event value. Message carries the input for InitiatedBy
// and Received, the output for Sent/Published/Scheduled/Replied, and nil for
// Began and Completed. After mirrors the Schedule delay on Scheduled events.
type Event struct {
	Kind    EventKind
	After   time.Duration
	Message any
}

// Began marks the first event of every stream.
func Began() Event { return Event{Kind: EventBegan} }

// InitiatedBy records the input that created the instance.
func InitiatedBy(input any) Event { return Event{Kind: EventInitiatedBy, Message: input} }

// Received records a subsequent input.
func Received(input any) Event { return Event{Kind: EventReceived, Message: input} }

// Sent records a Send command.
func Sent(out any) Event { return Event{Kind: EventSent, Message: out} }

// Published records a Publish command.
func Published(out any) Event { return Event{Kind: EventPublished, Message: out} }

// Scheduled records a Schedule command together with its delay.
func Scheduled(after time.Duration, out any) Event {
	return Event{Kind: EventScheduled, After: after, Message: out}
}

// Replied records a Reply command.
func Replied(out any) Event { return Event{Kind: EventReplied, Message: out} }

// Completed marks the instance terminal.
func Completed() Event { return Event{Kind: EventCompleted} }
