// Package runtime wires storage, config and namespace policy into a single
// colla node, and owns the process-wide cache of stream logs.
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	defer rt.Close()
//	l, _ := rt.Log("acme__9f2c")
//	_, _ = l.Append(ctx, []eventlog.AppendRecord{{Subject: "acme__9f2c", Payload: b}})
package runtime
