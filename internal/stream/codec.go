package stream

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/unistream/unistream/internal/workflow"
)

// Codec serializes message payloads for durable stores. Domain input and
// output types are registered by name; audit events and output commands are
// wrapped in a small envelope so their nested payload round-trips by the
// same registry. The in-memory store never touches it.
type Codec struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register maps a concrete payload type to its stable wire name. sample may
// be a value or a pointer; the non-pointer type is registered. Registering
// the same name twice with a different type is a programmer error.
func (c *Codec) Register(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("cannot register nil sample for %q", name)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byName[name]; ok && existing != t {
		return fmt.Errorf("wire name %q already registered to %s", name, existing)
	}
	c.byName[name] = t
	c.byType[t] = name
	return nil
}

// MustRegister is Register for init-time wiring.
func (c *Codec) MustRegister(name string, sample any) {
	if err := c.Register(name, sample); err != nil {
		panic(err)
	}
}

// WireName returns the registered wire name for a payload's concrete type.
func (c *Codec) WireName(payload any) (string, error) { return c.nameOf(payload) }

func (c *Codec) nameOf(payload any) (string, error) {
	t := reflect.TypeOf(payload)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.mu.RLock()
	name, ok := c.byType[t]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("payload type %T is not registered", payload)
	}
	return name, nil
}

func (c *Codec) decodePayload(name string, data []byte) (any, error) {
	c.mu.RLock()
	t, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wire name %q is not registered", name)
	}
	v := reflect.New(t)
	if err := json.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, err)
	}
	return v.Elem().Interface(), nil
}

// envelope is the stored form of audit events and output commands.
type envelope struct {
	Kind        string          `json:"kind"`
	AfterMS     int64           `json:"after_ms,omitempty"`
	PayloadType string          `json:"payload_type,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const (
	wireEvent   = "workflow.event"
	wireCommand = "workflow.command"
)

// Encode returns the (message_type, message_data) pair for a message.
func (c *Codec) Encode(m Message) (string, []byte, error) {
	switch {
	case m.IsAuditEvent():
		ev, err := m.Event()
		if err != nil {
			return "", nil, err
		}
		env := envelope{Kind: ev.Kind.String(), AfterMS: ev.After.Milliseconds()}
		if ev.Message != nil {
			if env.PayloadType, err = c.nameOf(ev.Message); err != nil {
				return "", nil, err
			}
			if env.Payload, err = json.Marshal(ev.Message); err != nil {
				return "", nil, err
			}
		}
		data, err := json.Marshal(env)
		return wireEvent, data, err

	case m.IsOutputCommand():
		cmd, err := m.Command()
		if err != nil {
			return "", nil, err
		}
		env := envelope{Kind: cmd.Kind.String(), AfterMS: cmd.After.Milliseconds()}
		if cmd.Message != nil {
			if env.PayloadType, err = c.nameOf(cmd.Message); err != nil {
				return "", nil, err
			}
			if env.Payload, err = json.Marshal(cmd.Message); err != nil {
				return "", nil, err
			}
		}
		data, err := json.Marshal(env)
		return wireCommand, data, err

	default: // external input, command- or event-kind
		name, err := c.nameOf(m.Payload)
		if err != nil {
			return "", nil, err
		}
		data, err := json.Marshal(m.Payload)
		return name, data, err
	}
}

// Decode rebuilds the in-memory payload from its stored form.
func (c *Codec) Decode(messageType string, data []byte) (any, error) {
	switch messageType {
	case wireEvent:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode event envelope: %w", err)
		}
		kind, err := workflow.ParseEventKind(env.Kind)
		if err != nil {
			return nil, err
		}
		ev := workflow.Event{Kind: kind, After: time.Duration(env.AfterMS) * time.Millisecond}
		if env.PayloadType != "" {
			if ev.Message, err = c.decodePayload(env.PayloadType, env.Payload); err != nil {
				return nil, err
			}
		}
		return ev, nil

	case wireCommand:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode command envelope: %w", err)
		}
		kind, err := workflow.ParseCommandKind(env.Kind)
		if err != nil {
			return nil, err
		}
		cmd := workflow.Command{Kind: kind, After: time.Duration(env.AfterMS) * time.Millisecond}
		if env.PayloadType != "" {
			if cmd.Message, err = c.decodePayload(env.PayloadType, env.Payload); err != nil {
				return nil, err
			}
		}
		return cmd, nil

	default:
		return c.decodePayload(messageType, data)
	}
}
