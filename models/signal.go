package models

// SignalType is the type of a message exchanged on the signaling channel.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice_candidate"
)

// SignalMessage is one signaling frame. Offer and answer carry SDP,
// ice_candidate carries the candidate line and its media section.
type SignalMessage struct {
	Type          SignalType `json:"type"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	SDPMid        *string    `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16    `json:"sdpMLineIndex,omitempty"`
}

// Candidate is a trickled ICE candidate in either direction.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

func (c Candidate) Message() SignalMessage {
	return SignalMessage{
		Type:          SignalICECandidate,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func (m SignalMessage) AsCandidate() Candidate {
	return Candidate{
		Candidate:     m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	}
}
