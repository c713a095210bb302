package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeKind tells the receiving side what an envelope carries.
type EnvelopeKind string

const (
	// KindRequest carries a new exchange to its provider.
	KindRequest EnvelopeKind = "request"
	// KindReply carries the provider's result back to the consumer.
	KindReply EnvelopeKind = "reply"
	// KindStatus carries the consumer's final acknowledgement to the provider.
	KindStatus EnvelopeKind = "status"
)

// WireMessage is the serialized form of a Message.
type WireMessage struct {
	ContentType string                 `json:"contentType,omitempty"`
	Content     []byte                 `json:"content,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// Envelope is the wire form of an exchange.
type Envelope struct {
	ID         string                 `json:"id"`
	Kind       EnvelopeKind           `json:"kind"`
	Pattern    Pattern                `json:"pattern"`
	Status     Status                 `json:"status"`
	Target     Target                 `json:"target"`
	Address    string                 `json:"address,omitempty"`
	ReplyTo    string                 `json:"replyTo,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	In         *WireMessage           `json:"in,omitempty"`
	Out        *WireMessage           `json:"out,omitempty"`
	Fault      *WireMessage           `json:"fault,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// EncodeExchange captures the exchange as an envelope of the given kind.
// Properties are passed through filter; a nil filter keeps them all.
func EncodeExchange(ex *Exchange, kind EnvelopeKind, filter PropertyFilter) *Envelope {
	env := &Envelope{
		ID:         ex.ID(),
		Kind:       kind,
		Pattern:    ex.Pattern(),
		Status:     ex.Status(),
		Target:     ex.Target(),
		Address:    ex.Address(),
		Timestamp:  time.Now().UTC(),
		Properties: copyProperties(ex.Properties(), filter),
	}
	switch kind {
	case KindRequest:
		env.In = toWire(ex.In(), filter)
	case KindReply:
		env.Out = toWire(ex.Out(), filter)
		env.Fault = toWire(ex.Fault(), filter)
		if err := ex.Err(); err != nil {
			env.Error = err.Error()
		}
	case KindStatus:
		if err := ex.Err(); err != nil {
			env.Error = err.Error()
		}
	}
	return env
}

// Validate checks the fields every envelope needs.
func (env *Envelope) Validate() error {
	if env.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if !env.Pattern.Valid() {
		return fmt.Errorf("%w: pattern %d", ErrInvalidEnvelope, int(env.Pattern))
	}
	switch env.Kind {
	case KindRequest:
		if env.In == nil {
			return fmt.Errorf("%w: request without in message", ErrInvalidEnvelope)
		}
	case KindReply, KindStatus:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidEnvelope, env.Kind)
	}
	return nil
}

// Decode rebuilds the exchange carried by a request envelope. The exchange
// keeps the sender's id so the reply correlates.
func (env *Envelope) Decode() (*Exchange, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Kind != KindRequest {
		return nil, fmt.Errorf("%w: cannot decode %s envelope as exchange", ErrInvalidEnvelope, env.Kind)
	}
	ex, err := NewExchangeWithID(env.ID, env.Pattern)
	if err != nil {
		return nil, err
	}
	for k, v := range env.Properties {
		ex.SetProperty(k, v)
	}
	if err := ex.SetTarget(env.Target, env.Address); err != nil {
		return nil, err
	}
	if err := ex.SetIn(fromWire(env.In)); err != nil {
		return nil, err
	}
	return ex, nil
}

// ApplyEnvelope writes the result carried by a reply envelope onto the
// exchange it answers.
func ApplyEnvelope(ex *Exchange, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.ID != ex.ID() {
		return fmt.Errorf("%w: envelope %s does not answer exchange %s", ErrInvalidEnvelope, env.ID, ex.ID())
	}
	if env.Out != nil {
		if err := ex.SetOut(fromWire(env.Out)); err != nil {
			return err
		}
	}
	if env.Fault != nil {
		if err := ex.SetFault(fromWire(env.Fault)); err != nil {
			return err
		}
	}
	switch env.Status {
	case StatusActive:
		return nil
	case StatusDone:
		return ex.Done()
	case StatusError:
		msg := env.Error
		if msg == "" {
			msg = ErrUnknownFailure.Error()
		}
		return ex.Fail(&RemoteError{Message: msg})
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidEnvelope, int(env.Status))
	}
}

// MarshalEnvelope encodes an envelope as JSON.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %s: %w", env.ID, err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes and validates a JSON envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func toWire(m *Message, filter PropertyFilter) *WireMessage {
	if m == nil {
		return nil
	}
	c := m.CopyFiltered(filter)
	return &WireMessage{ContentType: c.ContentType, Content: c.Content, Properties: c.Properties}
}

func fromWire(w *WireMessage) *Message {
	if w == nil {
		return nil
	}
	m := NewMessage(w.ContentType, w.Content)
	for k, v := range w.Properties {
		m.SetProperty(k, v)
	}
	return m
}
