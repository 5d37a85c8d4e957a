// Package httpserver is the HTTP face of a colla node: the websocket RPC
// endpoint at /v1/rpc, health and namespace routes, document snapshot export
// and server-state writes.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	log, _ := pebblelog.New(rt, pebblelog.Options{})
//	s := httpserver.New(rt, node.New(log, rt, node.Options{Config: rt.Config()}), logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
