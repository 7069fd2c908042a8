package client

import (
	"github.com/pion/webrtc/v4"
)

// Wire messages mirror the gateway's signaling protocol, JSON discriminated
// by `id`. The extra `data` id carries relayed payloads when the direct data
// channel is unavailable and fallback is enabled.
type signalMessage struct {
	ID string `json:"id"`

	SDPOffer  string     `json:"sdpOffer,omitempty"`
	SDPAnswer string     `json:"sdpAnswer,omitempty"`
	Candidate *candidate `json:"candidate,omitempty"`
	Message   string     `json:"message,omitempty"`
	Payload   []byte     `json:"payload,omitempty"`
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) *candidate {
	return &candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
