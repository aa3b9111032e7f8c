// Package bridge runs the FediChess bridge as a child process and
// multiplexes its standard output.
//
// [Start] spawns the bridge with piped stdio and [Process.Stop] terminates
// it, escalating to a kill when the grace period runs out. [Conn] sits on
// top of the pipes: a single read loop decodes every line, hands responses
// to the caller waiting on the matching request identifier, and queues
// events for whoever consumes them. Malformed lines are logged and
// dropped. When the stream ends, every outstanding request fails with
// [ErrNoResponse].
package bridge
