package core

import "encoding/binary"

// ItemKind distinguishes live posts from tombstones.
type ItemKind string

const (
	ItemPost      ItemKind = "post"
	ItemTombstone ItemKind = "tombstone"
)

// Item is one unit of synchronized content: a wall or board post, or the
// tombstone that permanently supersedes it. Items are immutable once
// authored; an edit or delete is a new item for the same ID with a higher
// Lamport clock.
type Item struct {
	ID        string   `json:"id"`
	Author    PeerID   `json:"author"`
	Channel   Channel  `json:"channel"`
	Kind      ItemKind `json:"kind"`
	Body      string   `json:"body,omitempty"`
	Lamport   uint64   `json:"lamport"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at,omitempty"`
	DeletedAt int64    `json:"deleted_at,omitempty"`
	Sig       []byte   `json:"sig,omitempty"`
}

// IsTombstone reports whether the item marks its ID as deleted.
func (it *Item) IsTombstone() bool {
	return it.Kind == ItemTombstone
}

// SignedMessage returns the canonical byte string covered by the author
// signature: author(32) || lamport(8 LE) || created_at(8 LE) ||
// updated_at(8 LE) || deleted_at(8 LE) || id || 0x00 || channel || 0x00 ||
// kind || 0x00 || body.
func (it *Item) SignedMessage() []byte {
	msg := make([]byte, 0, 64+len(it.ID)+len(it.Channel)+len(it.Kind)+len(it.Body)+3)
	msg = append(msg, it.Author[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, it.Lamport)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(it.CreatedAt))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(it.UpdatedAt))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(it.DeletedAt))
	msg = append(msg, it.ID...)
	msg = append(msg, 0)
	msg = append(msg, it.Channel...)
	msg = append(msg, 0)
	msg = append(msg, it.Kind...)
	msg = append(msg, 0)
	msg = append(msg, it.Body...)
	return msg
}
