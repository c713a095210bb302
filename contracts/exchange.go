package contracts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pattern is the message exchange pattern of an exchange.
type Pattern int

const (
	// OneWay carries a request only. No reply and no fault.
	OneWay Pattern = iota + 1
	// RobustOneWay carries a request and may carry a fault back.
	RobustOneWay
	// RequestReply carries a request and exactly one reply or fault.
	RequestReply
)

// ParsePattern returns the pattern with the given name.
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "one-way", "in-only":
		return OneWay, nil
	case "robust-one-way", "robust-in-only":
		return RobustOneWay, nil
	case "request-reply", "in-out":
		return RequestReply, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPattern, s)
	}
}

func (p Pattern) String() string {
	switch p {
	case OneWay:
		return "one-way"
	case RobustOneWay:
		return "robust-one-way"
	case RequestReply:
		return "request-reply"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// Valid reports whether p is one of the declared patterns.
func (p Pattern) Valid() bool {
	switch p {
	case OneWay, RobustOneWay, RequestReply:
		return true
	default:
		return false
	}
}

// CanFault reports whether exchanges of this pattern may carry a fault.
func (p Pattern) CanFault() bool {
	switch p {
	case RobustOneWay, RequestReply:
		return true
	default:
		return false
	}
}

// CanReply reports whether exchanges of this pattern carry an out message.
func (p Pattern) CanReply() bool {
	return p == RequestReply
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPattern, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(text []byte) error {
	parsed, err := ParsePattern(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of an exchange.
type Status int

const (
	StatusActive Status = iota
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s is Done or Error.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = StatusActive
	case "done":
		*s = StatusDone
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("contracts: unknown status %q", text)
	}
	return nil
}

// Target names the logical destination of an exchange.
type Target struct {
	Service   string `json:"service,omitempty" yaml:"service"`
	Interface string `json:"interface,omitempty" yaml:"interface"`
	Operation string `json:"operation,omitempty" yaml:"operation"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint"`
	// Version is a semver constraint used by contract based resolution.
	Version string `json:"version,omitempty" yaml:"version"`
}

// IsZero reports whether no part of the target is set.
func (t Target) IsZero() bool {
	return t.Service == "" && t.Interface == "" && t.Endpoint == ""
}

func (t Target) String() string {
	s := t.Service
	if t.Endpoint != "" {
		if s != "" {
			s += ":"
		}
		s += t.Endpoint
	}
	if s == "" {
		s = t.Interface
	}
	if t.Operation != "" {
		s += "#" + t.Operation
	}
	return s
}

// Exchange is a single in-flight message exchange.
//
// The status moves from Active to Done or Error exactly once. All mutators
// refuse to touch an exchange that has already reached a terminal status.
type Exchange struct {
	id        string
	pattern   Pattern
	createdAt time.Time

	mu         sync.RWMutex
	status     Status
	target     Target
	address    string
	in         *Message
	out        *Message
	fault      *Message
	err        error
	properties map[string]interface{}
}

// NewExchange creates an active exchange with a fresh id.
func NewExchange(pattern Pattern) (*Exchange, error) {
	return NewExchangeWithID(uuid.New().String(), pattern)
}

// NewExchangeWithID creates an active exchange with a caller supplied id.
// Transports use it to rebuild an exchange received off the wire.
func NewExchangeWithID(id string, pattern Pattern) (*Exchange, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	if !pattern.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPattern, int(pattern))
	}
	return &Exchange{
		id:         id,
		pattern:    pattern,
		createdAt:  time.Now(),
		status:     StatusActive,
		properties: make(map[string]interface{}),
	}, nil
}

// ID returns the exchange identifier. It is also the correlation key.
func (e *Exchange) ID() string { return e.id }

// Pattern returns the message exchange pattern fixed at creation.
func (e *Exchange) Pattern() Pattern { return e.pattern }

// CreatedAt returns when the exchange was created.
func (e *Exchange) CreatedAt() time.Time { return e.createdAt }

// Status returns the lifecycle status.
func (e *Exchange) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Target returns the logical destination.
func (e *Exchange) Target() Target {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.target
}

// Address is the transport handle the target resolved to.
func (e *Exchange) Address() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.address
}

// In returns the request message, or nil.
func (e *Exchange) In() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.in
}

// Out returns the reply message, or nil.
func (e *Exchange) Out() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.out
}

// Fault returns the fault message, or nil.
func (e *Exchange) Fault() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fault
}

// Err returns the failure cause. It is nil unless the status is Error.
func (e *Exchange) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// SetTarget addresses the exchange. Only legal while active.
func (e *Exchange) SetTarget(target Target, address string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return e.terminatedError("set target")
	}
	e.target = target
	e.address = address
	return nil
}

// SetIn sets the request message.
func (e *Exchange) SetIn(msg *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return e.terminatedError("set in")
	}
	e.in = msg
	return nil
}

// SetOut sets the reply. Only request/reply exchanges carry one, and never
// together with a fault.
func (e *Exchange) SetOut(msg *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return e.terminatedError("set out")
	}
	if !e.pattern.CanReply() {
		return &ExchangeError{ExchangeID: e.id, Op: "set out", Err: ErrIllegalPattern}
	}
	if e.fault != nil {
		return &ExchangeError{ExchangeID: e.id, Op: "set out", Err: ErrReplyConflict}
	}
	e.out = msg
	return nil
}

// SetFault sets the fault. OneWay exchanges never carry one, and a fault is
// never combined with an out message.
func (e *Exchange) SetFault(msg *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return e.terminatedError("set fault")
	}
	if !e.pattern.CanFault() {
		return &ExchangeError{ExchangeID: e.id, Op: "set fault", Err: ErrIllegalPattern}
	}
	if e.out != nil {
		return &ExchangeError{ExchangeID: e.id, Op: "set fault", Err: ErrReplyConflict}
	}
	e.fault = msg
	return nil
}

// Done moves the exchange to Done. A second terminal transition fails with
// ErrExchangeTerminated and leaves the first outcome untouched.
func (e *Exchange) Done() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return e.terminatedError("done")
	}
	e.status = StatusDone
	return nil
}

// Fail moves the exchange to Error with the given cause.
func (e *Exchange) Fail(cause error) error {
	if cause == nil {
		cause = ErrUnknownFailure
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return e.terminatedError("fail")
	}
	e.status = StatusError
	e.err = cause
	return nil
}

// Property returns an exchange level property.
func (e *Exchange) Property(name string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.properties[name]
	return v, ok
}

// SetProperty sets an exchange level property.
func (e *Exchange) SetProperty(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.properties[name] = value
}

// Properties returns a copy of the exchange level properties.
func (e *Exchange) Properties() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyProperties(e.properties, nil)
}

func (e *Exchange) String() string {
	return fmt.Sprintf("exchange[%s %s %s]", e.id, e.pattern, e.Status())
}

func (e *Exchange) terminatedError(op string) error {
	return &ExchangeError{ExchangeID: e.id, Op: op, Status: e.status, Err: ErrExchangeTerminated}
}
