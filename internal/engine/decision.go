package engine

import (
	"fmt"

	"tradebotv1/internal/model"
)

// DecisionKind is the broker action chosen for a signal.
type DecisionKind int

const (
	DecideNone DecisionKind = iota // deliberate no-op, logged
	DecideOpen                     // open a new position
	DecideClose                    // close the current position
	DecideFlip                     // close, then open the opposite side
)

func (k DecisionKind) String() string {
	switch k {
	case DecideNone:
		return "none"
	case DecideOpen:
		return "open"
	case DecideClose:
		return "close"
	case DecideFlip:
		return "flip"
	default:
		return "unknown"
	}
}

// Decision is the output of the signal decision engine: what to do at the
// broker, plus a human-readable reason for the no-op cases. The reason is
// for logging and auditing, never for control flow.
type Decision struct {
	Kind     DecisionKind
	OpenSide model.Side // side of the new position for Open and Flip
	Reason   string
}

// Decide maps (current side, action) onto a broker action.
//
//	side \ action   BUY          SELL         CLOSE
//	FLAT            open LONG    open SHORT   no-op
//	LONG            no-op        flip SHORT   close
//	SHORT           flip LONG    no-op        close
//
// CLOSE against FLAT is idempotent: duplicate CLOSE signals are expected
// under at-least-once webhook delivery and must not error. BUY against
// LONG (and SELL against SHORT) is rejected rather than accumulated; each
// bot holds at most one directional position.
func Decide(action model.Action, side model.Side) Decision {
	switch action {
	case model.ActionBuy:
		switch side {
		case model.SideFlat:
			return Decision{Kind: DecideOpen, OpenSide: model.SideLong}
		case model.SideLong:
			return Decision{Kind: DecideNone, Reason: "already long, not pyramiding"}
		case model.SideShort:
			return Decision{Kind: DecideFlip, OpenSide: model.SideLong}
		}
	case model.ActionSell:
		switch side {
		case model.SideFlat:
			return Decision{Kind: DecideOpen, OpenSide: model.SideShort}
		case model.SideShort:
			return Decision{Kind: DecideNone, Reason: "already short, not pyramiding"}
		case model.SideLong:
			return Decision{Kind: DecideFlip, OpenSide: model.SideShort}
		}
	case model.ActionClose:
		if side == model.SideFlat {
			return Decision{Kind: DecideNone, Reason: "already flat"}
		}
		return Decision{Kind: DecideClose}
	}
	return Decision{Kind: DecideNone, Reason: fmt.Sprintf("unhandled action %q against side %q", action, side)}
}
