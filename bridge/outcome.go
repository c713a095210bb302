package bridge

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-bridge/contracts"
)

// OutcomeKind classifies how a downstream exchange ended.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeReply
	OutcomeFault
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeReply:
		return "reply"
	case OutcomeFault:
		return "fault"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is a snapshot of a completed downstream exchange. It owns copies
// of the reply and fault, so the caller can use it while the bridge
// acknowledges the exchange.
type Outcome struct {
	ExchangeID string
	Pattern    contracts.Pattern
	// Status is the terminal status the exchange reaches. An exchange still
	// active at completion is reported Done because the bridge acknowledges
	// it right after resuming the caller.
	Status  contracts.Status
	Out     *contracts.Message
	Fault   *contracts.Message
	Err     error
	Elapsed time.Duration
}

// Snapshot captures the current result of ex.
func Snapshot(ex *contracts.Exchange) Outcome {
	o := Outcome{
		ExchangeID: ex.ID(),
		Pattern:    ex.Pattern(),
		Status:     ex.Status(),
		Out:        ex.Out().Copy(),
		Fault:      ex.Fault().Copy(),
		Err:        ex.Err(),
	}
	if o.Status == contracts.StatusActive {
		o.Status = contracts.StatusDone
	}
	return o
}

// Kind classifies the outcome.
func (o Outcome) Kind() OutcomeKind {
	switch {
	case o.Status == contracts.StatusError:
		return OutcomeError
	case o.Fault != nil:
		return OutcomeFault
	case o.Out != nil:
		return OutcomeReply
	default:
		return OutcomeDone
	}
}
