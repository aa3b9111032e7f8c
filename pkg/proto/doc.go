// Package proto defines the line-delimited JSON protocol spoken by the
// FediChess bridge on its standard input and output.
//
// Outbound lines are commands, one object per line:
//
//	{"cmd":"joinGame","gameId":"abc","id":"req-01J..."}
//
// Inbound lines are either responses, which echo the id of the command
// they answer, or events, which carry an "event" tag and no id:
//
//	{"id":"req-01J...","ok":true,"peers":["p1","p2"]}
//	{"event":"heartbeat","peerId":"p1","payload":{"elo":1200}}
//
// Commands are modelled as a closed set of types implementing [Command].
// [Decode] splits an inbound line into a [Frame] without committing to
// either shape; the correlator decides which one it is.
package proto
