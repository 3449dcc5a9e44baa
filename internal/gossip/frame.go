package gossip

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

// maxFrameSize bounds a single inbound frame, the per-message analog of the
// sliding-window limiter's per-peer budget: a peer cannot force unbounded
// allocation with a malformed length prefix.
const maxFrameSize = 4 << 20 // 4 MiB

// wireMessage is the JSON body of one length-prefixed frame. Length-prefixed
// JSON rather than a protobuf codec, matching the framing style the
// teacher's own JSON-RPC client already uses on the wire.
type wireMessage struct {
	Topic     Topic         `json:"topic"`
	Sender    models.PubKey `json:"sender"`
	Payload   []byte        `json:"payload"`
	Signature [64]byte      `json:"signature"`
}

// writeFrame writes a length-prefixed, JSON-encoded message to w.
func writeFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(wireMessage{
		Topic:     msg.Topic,
		Sender:    msg.Sender,
		Payload:   msg.Payload,
		Signature: msg.Signature,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal gossip frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed, JSON-encoded message from r.
func readFrame(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > maxFrameSize {
		return Message{}, fmt.Errorf("gossip frame of %d bytes exceeds max %d", size, maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var wm wireMessage
	if err := json.Unmarshal(body, &wm); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal gossip frame: %w", err)
	}
	return Message{
		ID:        MessageID(wm.Payload),
		Topic:     wm.Topic,
		Sender:    wm.Sender,
		Payload:   wm.Payload,
		Signature: wm.Signature,
	}, nil
}
