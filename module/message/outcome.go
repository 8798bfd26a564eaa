package message

import "fmt"

type OutcomeKind int

const (
	Delivered OutcomeKind = iota + 1
	Queued
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

type RejectReason string

const (
	ReasonInvalid RejectReason = "invalid"
	ReasonStorage RejectReason = "storage"
)

// SendOutcome is the internal result of a send. The wire protocol stays
// silent on rejections except in required durability mode.
type SendOutcome struct {
	Kind      OutcomeKind
	Reason    RejectReason
	Message   *Message
	Persisted bool
}

func (o SendOutcome) String() string {
	if o.Kind == Rejected {
		return fmt.Sprintf("rejected(%s)", o.Reason)
	}
	return o.Kind.String()
}

// DurabilityMode decides what a failed append does to the send.
type DurabilityMode string

const (
	// BestEffort delivers and acks even if the append failed.
	BestEffort DurabilityMode = "best-effort"
	// Required rejects the send when the append failed.
	Required DurabilityMode = "required"
)

func ParseDurabilityMode(s string) (DurabilityMode, error) {
	switch DurabilityMode(s) {
	case "", BestEffort:
		return BestEffort, nil
	case Required:
		return Required, nil
	default:
		return "", fmt.Errorf("unknown durability mode %q", s)
	}
}
