// Package keys derives the internal log and checkpoint keys for documents,
// presence rooms and server-state channels.
//
// Client supplied identifiers never reach the log service directly: they are
// hashed so arbitrary user input cannot collide with the separators the log
// uses, and so subjects stay a fixed size.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	// Sep joins a namespace to a hashed identifier and a key to its suffix.
	Sep = "__"

	hashLen = 32
)

// Hash returns the stable hashed form of a client supplied identifier.
func Hash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Document returns the subject key of a document.
func Document(ns, documentID string) string { return ns + Sep + Hash(documentID) }

// Room returns the stream key of a presence room.
func Room(ns, roomID string) string { return ns + Sep + "room" + Sep + Hash(roomID) }

// PeerSubject is the subject carrying one kind of presence update for one
// peer in a room. Retention is counted per subject, so each kind keeps its
// own bounded history.
func PeerSubject(roomKey, peerID, kind string) string {
	return roomKey + "." + Hash(peerID) + "." + kind
}

// RoomFilter matches every peer subject of a room.
func RoomFilter(roomKey string) string { return roomKey + ".>" }

// ServerState returns the stream key of a namespace's server-state channel.
func ServerState(ns string) string { return ns + Sep + "server-state" }

// Checkpoint is the KV key of a subject's merge checkpoint.
func Checkpoint(subjectKey string) string { return subjectKey + Sep + "coordinator" }

// FirstWrite is the KV key guarding a document's first write.
func FirstWrite(subjectKey string) string { return subjectKey + Sep + "first" }

// ServerStateValue is the KV key holding one server-state value.
func ServerStateValue(ns, key string) string { return ServerState(ns) + Sep + Hash(key) }
