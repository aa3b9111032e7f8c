package bridgetest

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	helperEnv     = "FEDICHESS_FAKE_BRIDGE"
	helperOptsEnv = "FEDICHESS_FAKE_BRIDGE_OPTS"
	helperTermEnv = "FEDICHESS_FAKE_BRIDGE_IGNORE_TERM"
	helperDeafEnv = "FEDICHESS_FAKE_BRIDGE_IGNORE_INPUT"
)

// HelperOptions extends Options for a bridge running as a child process.
type HelperOptions struct {
	Options
	// IgnoreTerm makes the process ignore SIGTERM so only a kill stops it.
	IgnoreTerm bool
	// IgnoreInput makes the process never read stdin, so writes to it
	// stall once the pipe buffer fills.
	IgnoreInput bool
}

// HelperCommand returns the command line that re-executes the current test
// binary as a fake bridge. The test binary's TestMain must call
// RunIfHelper first.
func HelperCommand(opts HelperOptions) (path string, args []string, env []string, err error) {
	data, err := json.Marshal(opts.Options)
	if err != nil {
		return "", nil, nil, err
	}
	env = []string{helperEnv + "=1", helperOptsEnv + "=" + string(data)}
	if opts.IgnoreTerm {
		env = append(env, helperTermEnv+"=1")
	}
	if opts.IgnoreInput {
		env = append(env, helperDeafEnv+"=1")
	}
	return os.Args[0], []string{"-test.run=^$"}, env, nil
}

// RunIfHelper serves a fake bridge on stdin and stdout and exits when the
// process was started through HelperCommand. Otherwise it returns
// immediately.
func RunIfHelper() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	var opts Options
	if raw := os.Getenv(helperOptsEnv); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			fmt.Fprintf(os.Stderr, "fake bridge: bad options: %v\n", err)
			os.Exit(2)
		}
	}
	if os.Getenv(helperTermEnv) == "1" {
		signal.Ignore(syscall.SIGTERM)
	}
	fmt.Fprintln(os.Stderr, "fake bridge ready")
	if os.Getenv(helperDeafEnv) == "1" {
		for {
			time.Sleep(time.Minute)
		}
	}
	if err := Serve(os.Stdin, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "fake bridge: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv(helperTermEnv) == "1" {
		// Keep running after stdin closes so the parent has to kill us.
		for {
			time.Sleep(time.Minute)
		}
	}
	os.Exit(0)
}
