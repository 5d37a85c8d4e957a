// Package client provides the `colla` command-line client.
//
// The CLI talks to a colla node over its HTTP API and the /v1/rpc
// websocket to inspect and edit documents, server state and presence
// from a terminal. It is primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 and can be changed with COLLA_HTTP.
// Access tokens default to COLLA_TOKEN.
//
// Usage
//
//	colla namespace create --name team
//	colla namespace list
//
//	colla token issue --secret s3cret --namespace team --perms read,write --ttl 24h
//
//	colla doc set --namespace team --id notes --key title --value '"Roadmap"'
//	colla doc get --namespace team --id notes
//	colla doc watch --namespace team --id notes --limit 10
//
//	colla state put --namespace team --key banner --value '{"text":"deploying"}'
//	colla state get --namespace team --keys banner,motd
//	colla state watch --namespace team --keys banner
//
//	colla presence join --namespace team --room notes --peer ana --state '{"cursor":0}'
//
// Notes
//
//   - doc set runs a full replica: it syncs, applies the edit locally and
//     exits once the node has accepted it.
//   - doc watch prints the whole document after each change, tagged with
//     its origin (remote-sync or remote-update).
//   - values given with --value, --state and --meta are parsed as JSON
//     when possible and sent as strings otherwise.
package client
