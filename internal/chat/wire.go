package chat

import "encoding/json"

// FrameType tags every frame the hub sends to a client.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameHistory FrameType = "history"
	FrameError   FrameType = "error"
)

// WireMessage is the client-facing shape of a Message. CreatedAt is in
// epoch milliseconds.
type WireMessage struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	CreatedAt  int64  `json:"created_at"`
	Body       string `json:"body"`
}

// Frame is the envelope for everything written to a client.
type Frame struct {
	Type    FrameType    `json:"type"`
	Message *WireMessage `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Submission is the only thing a client may send: the body text. Every
// other message field is assigned by the hub.
type Submission struct {
	Body string `json:"body"`
}

// Wire converts m to its client-facing shape.
func (m Message) Wire() WireMessage {
	return WireMessage{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		CreatedAt:  m.CreatedAt.UnixMilli(),
		Body:       m.Body,
	}
}

// WireMessages converts msgs preserving order.
func WireMessages(msgs []Message) []WireMessage {
	out := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}

// EncodeMessage encodes m as a frame of the given type.
func EncodeMessage(t FrameType, m Message) ([]byte, error) {
	w := m.Wire()
	return json.Marshal(Frame{Type: t, Message: &w})
}

// EncodeError encodes an error frame carrying err's text.
func EncodeError(err error) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameError, Error: err.Error()})
}

// DecodeSubmission parses an inbound client frame.
func DecodeSubmission(data []byte) (Submission, error) {
	var s Submission
	err := json.Unmarshal(data, &s)
	return s, err
}
