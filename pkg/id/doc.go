// Package id issues the sortable identifiers colla hands out as session ids.
//
// # Format
//
// An ID is 16 bytes big-endian: [6 bytes ms_timestamp][4 bytes node][6 bytes
// sequence]. Byte-wise comparison preserves issue order within one node, and
// the node tag keeps ids from different server processes disjoint even when
// they are minted in the same millisecond.
//
// The textual form is 26 characters of lowercase Crockford base32, which
// sorts the same way as the bytes.
//
// # Monotonicity
//
// The Generator ensures per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond and
//     increments the sequence to avoid going backwards.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond before emitting the next ID.
//
// Usage
//
//	g := id.NewGenerator("node-a")
//	sid := g.Next().String()
package id
