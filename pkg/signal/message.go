package signal

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when a signal payload is neither a session
// description nor an ICE candidate.
var ErrMalformed = errors.New("malformed signal")

// Kind identifies what a signal payload carries.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Payload is the signal body carried through the rendezvous mailbox.
// It uses the JSON shapes browsers produce for RTCSessionDescription
// ({type, sdp}) and RTCIceCandidate ({candidate, sdpMid, sdpMLineIndex}),
// so Go peers and browser peers can negotiate with each other.
type Payload struct {
	Type             string  `json:"type,omitempty"` // offer or answer
	SDP              string  `json:"sdp,omitempty"`
	Candidate        string  `json:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// Envelope addresses a payload from one identity to another.
type Envelope struct {
	From   string  `json:"from"`
	To     string  `json:"to,omitempty"`
	Signal Payload `json:"signal"`
}

// Offer builds an offer payload
func Offer(sdp string) Payload {
	return Payload{Type: string(KindOffer), SDP: sdp}
}

// Answer builds an answer payload
func Answer(sdp string) Payload {
	return Payload{Type: string(KindAnswer), SDP: sdp}
}

// FromCandidate builds a candidate payload
func FromCandidate(c Candidate) Payload {
	return Payload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Kind classifies the payload. A payload with an SDP must be an offer or an
// answer; one without must carry a candidate line.
func (p Payload) Kind() (Kind, error) {
	if p.SDP != "" {
		switch Kind(p.Type) {
		case KindOffer, KindAnswer:
			return Kind(p.Type), nil
		}
		return "", fmt.Errorf("%w: unsupported description type %q", ErrMalformed, p.Type)
	}
	if p.Candidate != "" {
		return KindCandidate, nil
	}
	return "", fmt.Errorf("%w: no sdp or candidate", ErrMalformed)
}

// AsCandidate returns the candidate fields of the payload
func (p Payload) AsCandidate() Candidate {
	return Candidate{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
}
