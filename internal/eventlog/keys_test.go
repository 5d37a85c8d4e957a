package eventlog

import (
	"bytes"
	"testing"
)

func TestKeyOrderingEntries(t *testing.T) {
	a := KeyEntry("s", 10)
	b := KeyEntry("s", 11)
	if !bytes.HasPrefix(a, KeyStreamPrefix("s")) || !bytes.HasPrefix(KeyMeta("s"), KeyStreamPrefix("s")) {
		t.Fatalf("entry and meta keys should share the stream prefix")
	}
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected seq 10 < seq 11")
	}
}

func TestSubjectIndexDoesNotOverlap(t *testing.T) {
	p := KeySubjectPrefix("s", "room.a")
	if bytes.HasPrefix(KeySubjectIndex("s", "room.ab", 1), p) {
		t.Fatalf("subject room.ab must not fall under room.a prefix")
	}
	if seqFromKey(KeySubjectIndex("s", "room.a", 77)) != 77 {
		t.Fatalf("seq not recoverable from index key")
	}
}

func TestCursorKey(t *testing.T) {
	if got := string(KeyCursor("s", "c")); got != "log/s/c/c" {
		t.Fatalf("unexpected cursor layout: %q", got)
	}
}
