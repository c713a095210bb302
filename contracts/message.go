package contracts

import (
	"fmt"
)

// Message is a normalized payload: content bytes plus typed properties.
//
// Messages are forwarded by value. Copy returns a message that shares no
// mutable storage with the original.
type Message struct {
	ContentType string
	Content     []byte
	Properties  map[string]interface{}
}

// NewMessage creates a message that owns a copy of content.
func NewMessage(contentType string, content []byte) *Message {
	return &Message{
		ContentType: contentType,
		Content:     cloneBytes(content),
		Properties:  make(map[string]interface{}),
	}
}

// Property returns a message property.
func (m *Message) Property(name string) (interface{}, bool) {
	if m == nil || m.Properties == nil {
		return nil, false
	}
	v, ok := m.Properties[name]
	return v, ok
}

// SetProperty sets a message property.
func (m *Message) SetProperty(name string, value interface{}) {
	if m.Properties == nil {
		m.Properties = make(map[string]interface{})
	}
	m.Properties[name] = value
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	return m.CopyFiltered(nil)
}

// CopyFiltered returns a deep copy of the message keeping only properties the
// filter accepts. A nil filter keeps everything.
func (m *Message) CopyFiltered(filter PropertyFilter) *Message {
	if m == nil {
		return nil
	}
	return &Message{
		ContentType: m.ContentType,
		Content:     cloneBytes(m.Content),
		Properties:  copyProperties(m.Properties, filter),
	}
}

// CopyIn returns a copy of the exchange's request message.
func CopyIn(ex *Exchange) (*Message, error) {
	in := ex.In()
	if in == nil {
		return nil, &ExchangeError{ExchangeID: ex.ID(), Op: "copy in", Err: ErrMissingMessage}
	}
	return in.Copy(), nil
}

// CopyOut returns a copy of the exchange's reply message.
func CopyOut(ex *Exchange) (*Message, error) {
	out := ex.Out()
	if out == nil {
		return nil, &ExchangeError{ExchangeID: ex.ID(), Op: "copy out", Err: ErrMissingMessage}
	}
	return out.Copy(), nil
}

// CopyFault returns a copy of the exchange's fault.
func CopyFault(ex *Exchange) (*Message, error) {
	fault := ex.Fault()
	if fault == nil {
		return nil, &ExchangeError{ExchangeID: ex.ID(), Op: "copy fault", Err: ErrMissingMessage}
	}
	return fault.Copy(), nil
}

// TransferToIn sets a copy of msg as the exchange's request.
func TransferToIn(msg *Message, ex *Exchange) error {
	if msg == nil {
		return &ExchangeError{ExchangeID: ex.ID(), Op: "transfer in", Err: ErrMissingMessage}
	}
	return ex.SetIn(msg.Copy())
}

// TransferToOut sets a copy of msg as the exchange's reply.
func TransferToOut(msg *Message, ex *Exchange) error {
	if msg == nil {
		return &ExchangeError{ExchangeID: ex.ID(), Op: "transfer out", Err: ErrMissingMessage}
	}
	return ex.SetOut(msg.Copy())
}

// TransferToFault sets a copy of msg as the exchange's fault.
func TransferToFault(msg *Message, ex *Exchange) error {
	if msg == nil {
		return &ExchangeError{ExchangeID: ex.ID(), Op: "transfer fault", Err: ErrMissingMessage}
	}
	return ex.SetFault(msg.Copy())
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copyProperties(props map[string]interface{}, filter PropertyFilter) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		if filter != nil && !filter.Accept(k, v) {
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep copies the container types a property can hold. Other
// values are treated as immutable.
func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return cloneBytes(val)
	case map[string]interface{}:
		return copyProperties(val, nil)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = copyValue(val[i])
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

func (m *Message) String() string {
	if m == nil {
		return "message[nil]"
	}
	return fmt.Sprintf("message[%s, %d bytes, %d properties]", m.ContentType, len(m.Content), len(m.Properties))
}
