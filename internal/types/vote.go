package types

import "time"

// Polarity is the internal vote encoding: Agree=+1, Disagree=-1, Pass=0.
// No component downstream of the ingress layer may re-interpret the sign.
type Polarity int8

const (
	Disagree Polarity = -1
	Pass     Polarity = 0
	Agree    Polarity = 1
)

// IsValid checks if the polarity value is valid
func (p Polarity) IsValid() bool {
	return p == Agree || p == Disagree || p == Pass
}

func (p Polarity) String() string {
	switch p {
	case Agree:
		return "agree"
	case Disagree:
		return "disagree"
	case Pass:
		return "pass"
	default:
		return "invalid"
	}
}

// SignConvention identifies how an external feed encodes agreement.
type SignConvention string

const (
	// ConventionInternal encodes Agree=+1, Disagree=-1.
	ConventionInternal SignConvention = "internal"
	// ConventionInverted encodes Agree=-1, Disagree=+1, used by feeds that
	// store votes as "disagreement values".
	ConventionInverted SignConvention = "inverted"
)

// IsValid checks if the sign convention value is valid
func (c SignConvention) IsValid() bool {
	return c == ConventionInternal || c == ConventionInverted
}

// RawVote is a vote exactly as an external feed delivered it, sign
// convention and all. Only the ingress layer may interpret Value.
type RawVote struct {
	ParticipantID string         `json:"participant_id"`
	StatementID   string         `json:"statement_id"`
	Value         int            `json:"value"`
	Convention    SignConvention `json:"convention"`
	ObservedAt    time.Time      `json:"observed_at"`
}

// Vote is a normalized vote in the internal encoding.
type Vote struct {
	ParticipantID string    `json:"participant_id"`
	StatementID   string    `json:"statement_id"`
	Polarity      Polarity  `json:"polarity"`
	ObservedAt    time.Time `json:"observed_at"`
}
