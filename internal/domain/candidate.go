package domain

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Candidate is one discovered network path descriptor. It must round-trip
// through the store unchanged, so it mirrors the browser/pion candidate
// init shape field for field.
type Candidate struct {
	Candidate        string  `json:"candidate" firestore:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" firestore:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" firestore:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" firestore:"usernameFragment,omitempty"`
}

func CandidateFromInit(ci webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func (c Candidate) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Fingerprint is a stable serialization of all candidate fields; the dedup
// ledger keys on it. Struct field order makes the JSON deterministic.
func (c Candidate) Fingerprint() string {
	b, err := json.Marshal(c)
	if err != nil {
		return c.Candidate
	}
	return string(b)
}

func (c Candidate) Equal(o Candidate) bool {
	return c.Fingerprint() == o.Fingerprint()
}
