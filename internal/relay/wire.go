package relay

import (
	"encoding/json"
	"fmt"
)

// AcceptCommand is delivered on a listen-role control channel when a sender
// rendezvouses with the broker. Address is the broker endpoint to dial for
// the paired session channel.
type AcceptCommand struct {
	Address string `json:"address"`
	ID      string `json:"id"`
}

// controlEnvelope is the JSON wrapper on text messages from the broker.
type controlEnvelope struct {
	Accept *AcceptCommand `json:"accept,omitempty"`
}

// ParseControl decodes a broker control message. A control message that is
// valid JSON but carries no recognized command returns (nil, nil) so callers
// can skip broker chatter they do not understand.
func ParseControl(p []byte) (*AcceptCommand, error) {
	var env controlEnvelope
	if err := json.Unmarshal(p, &env); err != nil {
		return nil, fmt.Errorf("control message decode: %w", err)
	}
	if env.Accept != nil {
		if env.Accept.Address == "" {
			return nil, fmt.Errorf("accept command without address")
		}
		return env.Accept, nil
	}
	return nil, nil
}

// EncodeAccept builds the broker's accept control message. Used by tests that
// stand in for the broker.
func EncodeAccept(cmd AcceptCommand) []byte {
	b, _ := json.Marshal(controlEnvelope{Accept: &cmd})
	return b
}
