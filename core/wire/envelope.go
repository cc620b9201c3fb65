// Package wire defines the versioned JSON envelope every Rookery message
// travels in, plus the body payloads carried by each envelope type. The
// envelope is signed by its sender; content items additionally carry author
// signatures so they stay verifiable when relayed by a third party.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/identity"
)

// Version is the wire protocol version. Envelopes with any other version are
// rejected at decode time.
const Version = 1

// Type identifies what an envelope's body contains.
type Type string

const (
	TypeAnnounce    Type = "announce"
	TypeGrant       Type = "grant"
	TypeRevoke      Type = "revoke"
	TypeManifestReq Type = "manifest_req"
	TypeManifest    Type = "manifest"
	TypePush        Type = "push"
	TypeAck         Type = "ack"
	TypeError       Type = "error"
	TypeChat        Type = "chat"
	TypeSignal      Type = "signal"
	TypePunchReq    Type = "punch_req"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrMissingID          = errors.New("envelope has no id")
	ErrMissingType        = errors.New("envelope has no type")
	ErrMissingSender      = errors.New("envelope has no sender")
)

// Envelope is the outer frame of every message. A zero To means the envelope
// is addressed to anyone listening, as with presence announces.
type Envelope struct {
	V      int             `json:"v"`
	ID     string          `json:"id"`
	Type   Type            `json:"type"`
	From   core.PeerID     `json:"from"`
	To     core.PeerID     `json:"to"`
	SentAt int64           `json:"sent_at"`
	Body   json.RawMessage `json:"body,omitempty"`
	Sig    []byte          `json:"sig,omitempty"`
}

// New builds an unsigned envelope around body, assigning a fresh ID.
func New(typ Type, from, to core.PeerID, sentAt int64, body any) (*Envelope, error) {
	env := &Envelope{
		V:      Version,
		ID:     uuid.NewString(),
		Type:   typ,
		From:   from,
		To:     to,
		SentAt: sentAt,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", typ, err)
		}
		env.Body = raw
	}
	return env, nil
}

// Seal builds and signs an envelope from kp's identity in one step.
func Seal(kp *identity.KeyPair, typ Type, to core.PeerID, sentAt int64, body any) (*Envelope, error) {
	env, err := New(typ, kp.PeerID(), to, sentAt, body)
	if err != nil {
		return nil, err
	}
	env.Sign(kp)
	return env, nil
}

// Sign sets the envelope signature. From must already hold kp's peer ID.
func (e *Envelope) Sign(kp *identity.KeyPair) {
	e.Sig = kp.Sign(e.signedMessage())
}

// Verify reports whether the signature is valid under the sender's key. The
// sender's public key is the From peer ID itself.
func (e *Envelope) Verify() bool {
	return identity.Verify(e.From.Bytes(), e.signedMessage(), e.Sig)
}

// signedMessage builds the byte string covered by the envelope signature:
// v(1) || from(32) || to(32) || sent_at(8 LE) || id || 0x00 || type || 0x00 || body.
func (e *Envelope) signedMessage() []byte {
	msg := make([]byte, 0, 73+len(e.ID)+len(e.Type)+len(e.Body)+2)
	msg = append(msg, byte(e.V))
	msg = append(msg, e.From[:]...)
	msg = append(msg, e.To[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(e.SentAt))
	msg = append(msg, e.ID...)
	msg = append(msg, 0)
	msg = append(msg, e.Type...)
	msg = append(msg, 0)
	msg = append(msg, e.Body...)
	return msg
}

// DecodeBody unmarshals the envelope body into v.
func (e *Envelope) DecodeBody(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into an envelope and checks its framing fields.
// Signature verification is the caller's job.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.V != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
	}
	if env.ID == "" {
		return nil, ErrMissingID
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if env.From.IsZero() {
		return nil, ErrMissingSender
	}
	return &env, nil
}
