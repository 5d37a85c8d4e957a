// Package pebblestore wraps Pebble with an fsync policy, prefix scans and
// commit counters. Every durable byte colla keeps (log entries, cursors, KV
// buckets, namespace metadata) goes through a single DB.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
package pebblestore
