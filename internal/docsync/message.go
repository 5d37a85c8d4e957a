package docsync

// Message types streamed to a document subscriber.
const (
	TypeSync   = "sync"
	TypeUpdate = "update"
)

// Message is one frame of a document subscription. The first frame carries
// only SessionID; the second is the sync frame; every later frame is an
// update.
type Message struct {
	SessionID string   `json:"sessionId,omitempty"`
	Type      string   `json:"type,omitempty"`
	Updates   [][]byte `json:"updates,omitempty"`
	LastSeq   *int64   `json:"lastSeq,omitempty"`
	Final     bool     `json:"final,omitempty"`
	// Client is the session that published an update.
	Client string `json:"client,omitempty"`
}

// Emit delivers a message to the subscriber. An error ends the
// subscription.
type Emit func(Message) error

// TokenRequest completes a document session's handshake.
type TokenRequest struct {
	SessionID   string `json:"sessionId"`
	Token       string `json:"token"`
	FirstUpdate []byte `json:"firstUpdate,omitempty"`
}

// TokenResponse reports whether FirstUpdate became the document's first
// write.
type TokenResponse struct {
	HasWrittenFirstUpdate bool `json:"hasWrittenFirstUpdate"`
}

// PublishRequest appends updates on behalf of a session.
type PublishRequest struct {
	SessionID      string   `json:"sessionId"`
	EncodedUpdates [][]byte `json:"encodedUpdates"`
}

func seqPtr(v int64) *int64 { return &v }
