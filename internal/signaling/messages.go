package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ajmedia/signalgw/internal/media"
)

// Wire messages are JSON, one object per frame, discriminated by `id`.
type messageID string

const (
	// client -> server
	messageIDStart          messageID = "start"
	messageIDStop           messageID = "stop"
	messageIDOnIceCandidate messageID = "onIceCandidate"

	// server -> client
	messageIDStartResponse messageID = "startResponse"
	messageIDIceCandidate  messageID = "iceCandidate"
	messageIDError         messageID = "error"
)

type signalMessage struct {
	ID messageID `json:"id"`

	SDPOffer  string           `json:"sdpOffer,omitempty"`
	SDPAnswer string           `json:"sdpAnswer,omitempty"`
	Candidate *media.Candidate `json:"candidate,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func parseSignalMessage(data []byte) (signalMessage, error) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return signalMessage{}, err
	}
	switch msg.ID {
	case messageIDStart, messageIDStop, messageIDOnIceCandidate:
	case "":
		return signalMessage{}, fmt.Errorf("message missing id")
	default:
		// Unknown ids are surfaced to the protocol layer, which reports them
		// back to the client without dropping the connection. Their extra
		// fields are not our business.
		return msg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	msg = signalMessage{}
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return signalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return signalMessage{}, err
	}
	return msg, nil
}

func (m signalMessage) validate() error {
	switch m.ID {
	case messageIDStart:
		if m.SDPOffer == "" {
			return fmt.Errorf("start message missing sdpOffer")
		}
		if m.SDPAnswer != "" || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("start message has unexpected fields")
		}
	case messageIDStop:
		if m.SDPOffer != "" || m.SDPAnswer != "" || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("stop message has unexpected fields")
		}
	case messageIDOnIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("onIceCandidate message missing candidate")
		}
		if m.Candidate.Candidate == "" {
			return fmt.Errorf("onIceCandidate message has empty candidate")
		}
		if m.SDPOffer != "" || m.SDPAnswer != "" || m.Message != "" {
			return fmt.Errorf("onIceCandidate message has unexpected fields")
		}
	}
	return nil
}

func startResponseMessage(sdpAnswer string) signalMessage {
	return signalMessage{ID: messageIDStartResponse, SDPAnswer: sdpAnswer}
}

func iceCandidateMessage(cand media.Candidate) signalMessage {
	return signalMessage{ID: messageIDIceCandidate, Candidate: &cand}
}

func errorMessage(text string) signalMessage {
	return signalMessage{ID: messageIDError, Message: text}
}
