// Command mockbridge speaks the bridge line protocol on stdio with a
// simulated lobby, for trying the daemon and CLI without Node.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/rexliu/fedichess/pkg/bridgetest"
)

func main() {
	flags := pflag.NewFlagSet("mockbridge", pflag.ContinueOnError)
	lobbyPeers := flags.StringSlice("lobby-peers", []string{"peer-a", "peer-b"}, "Peers present in the lobby")
	gamePeers := flags.StringSlice("game-peers", []string{"peer-a"}, "Peers present in every game room")
	accept := flags.Bool("accept-challenges", true, "Answer challenges with an accepting challResp")
	silent := flags.StringSlice("silent", nil, "Commands to read but never answer")
	heartbeat := flags.Duration("heartbeat-interval", 0, "Peer heartbeat interval while in the lobby (0 disables)")
	noise := flags.Bool("noise", false, "Interleave non-JSON diagnostics with replies")
	delay := flags.Duration("reply-delay", 0, "Delay before every reply")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mockbridge: %v\n", err)
		os.Exit(2)
	}

	opts := bridgetest.Options{
		LobbyPeers:        *lobbyPeers,
		GamePeers:         *gamePeers,
		Silent:            *silent,
		Noise:             *noise,
		AcceptChallenges:  *accept,
		HeartbeatInterval: *heartbeat,
		ReplyDelay:        *delay,
	}
	fmt.Fprintf(os.Stderr, "mockbridge ready (lobby %v)\n", opts.LobbyPeers)
	if err := bridgetest.Serve(os.Stdin, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "mockbridge: %v\n", err)
		os.Exit(1)
	}
}
