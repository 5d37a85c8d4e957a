// Package pebblelog implements logservice.Service inside the node's Pebble
// store. Each stream is one eventlog.Log shared through the runtime; the
// origin session travels in the entry header; durable consumers persist their
// ack position as an eventlog cursor; KV buckets live under kv/{bucket}/.
//
// Consumers that go idle past their InactiveThreshold are removed by Sweep,
// which also applies stream age and byte limits. The server runs Sweep from
// its janitor loop.
package pebblelog
