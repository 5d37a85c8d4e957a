// Package serverrun exposes the Run entrypoint used by the CLI to start a
// colla node: storage, the configured log backend, the HTTP and websocket
// server and the consumer janitor, with lifecycle and shutdown.
//
// Example:
//
//	opts := serverrun.Options{DataDir: "./data", HTTPAddr: ":8080", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
