// Package eventlog implements the append-only stream log backing colla's
// embedded log service.
//
// # Overview
//
// One Log holds one stream. Entries carry the subject they were published to,
// a small header and an opaque payload. Keys are lexicographically ordered for
// range scans:
//   - log/{stream}/m                        (metadata: lastSeq)
//   - log/{stream}/e/{seq_be8}              (entries)
//   - log/{stream}/s/{subject}\x00{seq_be8} (per-subject index)
//   - log/{stream}/c/{consumer}             (durable consumer ack cursors)
//   - log/{stream}/a/{consumer}             (consumer last-activity, ms)
//
// Records are stored as: ts_be8 | uvarint subjectLen | subject |
// uvarint headerLen | header | payload | crc32c(everything before).
//
//	l, _ := Open(db, "acme__9f2c")
//	seqs, _ := l.Append(ctx, []AppendRecord{{Subject: "acme__9f2c", Payload: p}})
//	items, next, _ := l.Read(ReadOptions{StartSeq: seqs[0], Limit: 100})
//	_ = l.WaitForAppend(ctx, next-1)
//	_ = l.CommitCursor("sess-1", seqs[0])
//
// # Retention
//
// Limits bound the stream per subject (oldest entries of that subject are
// removed on append), by age and by total bytes. Age and byte limits are
// enforced by Enforce, which a janitor calls periodically. Every trim reports
// the removed range to the configured TrimHook.
package eventlog
