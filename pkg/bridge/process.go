package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// exitDrain bounds how long stdout may stay readable after the bridge has
// exited. A grandchild that inherited the pipe would otherwise hold the
// read loop open forever.
const exitDrain = 2 * time.Second

// Process is a running bridge and its stdio pipes. It is created by Start
// and owned by whoever called it; nothing else may close the pipes.
type Process struct {
	cmd    *exec.Cmd
	spec   Spec
	logger Logger

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	started  time.Time
	done     chan struct{}
	exitCode atomic.Int32

	mu      sync.Mutex
	exitErr error

	stopOnce sync.Once
	stopped  atomic.Bool
}

// Start launches the bridge described by spec with all three standard
// streams piped. Stderr is forwarded to logger at debug level. A launch
// failure is returned as *SpawnError.
func Start(spec Spec, logger Logger) (*Process, error) {
	logger = orNop(logger)

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	configureCommand(cmd)

	// All three streams use os.Pipe directly. cmd.Wait then leaves our ends
	// alone, and the stdin end accepts write deadlines.
	stdinR, stdin, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdin.Close()
		return nil, &SpawnError{Path: spec.Path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:     cmd,
		spec:    spec,
		logger:  logger,
		stdin:   stdin,
		stdout:  stdoutR,
		stderr:  stderrR,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	p.exitCode.Store(-1)
	logger.Printf("bridge started: pid=%d cmd=%q dir=%q", p.PID(), spec.String(), spec.Dir)

	go p.waitLoop()
	go p.forwardStderr()
	return p, nil
}

// Stdin is the bridge's standard input. Writes honor SetWriteDeadline.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the bridge's standard output. It returns EOF once the bridge
// and all holders of the pipe have exited, or an error once Stop closes it.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// PID returns the bridge's process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status, or -1 while running or when the
// process died from a signal.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// ExitError returns the error from waiting on the process, if any.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Uptime returns how long the process has been (or was) running.
func (p *Process) Uptime() time.Duration { return time.Since(p.started) }

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	p.exitCode.Store(int32(code))
	close(p.done)

	if !p.stopped.Load() {
		p.logger.Printf("bridge exited: pid=%d code=%d err=%v", p.PID(), code, err)
	}
	// Let the read loop drain what the bridge wrote before exiting, then
	// force end of stream.
	_ = p.stdout.SetReadDeadline(time.Now().Add(exitDrain))
}

func (p *Process) forwardStderr() {
	reader := bufio.NewReader(p.stderr)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			p.logger.Debugf("bridge stderr: %s", line)
		}
		if err != nil {
			return
		}
	}
}

// Stop closes the bridge's stdin, asks it to terminate and waits up to
// grace for it to exit. A bridge that outlives the grace period is killed
// and a *StopTimeoutError is returned. The stdout and stderr pipes are
// closed before Stop returns, which ends any blocked read. Calling Stop
// again is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		err = p.stop(grace)
	})
	return err
}

func (p *Process) stop(grace time.Duration) error {
	defer func() {
		p.stdout.Close()
		p.stderr.Close()
	}()

	_ = p.stdin.Close()
	if !p.Running() {
		return nil
	}
	if err := terminate(p.cmd.Process); err != nil {
		p.logger.Debugf("terminate bridge pid=%d: %v", p.PID(), err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := kill(p.cmd.Process); err != nil {
		p.logger.Printf("kill bridge pid=%d: %v", p.PID(), err)
	}
	<-p.done
	return &StopTimeoutError{PID: p.PID(), Grace: grace}
}
