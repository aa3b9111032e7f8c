package bridge_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/fedichess/pkg/bridge"
	"github.com/rexliu/fedichess/pkg/proto"
)

// peer plays the bridge side of a Conn over in-memory pipes.
type peer struct {
	t        *testing.T
	conn     *bridge.Conn
	commands *bufio.Reader
	out      *io.PipeWriter
	in       *io.PipeReader
	wmu      sync.Mutex
}

func newPeer(t *testing.T, opts bridge.ConnOptions) *peer {
	t.Helper()
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	conn := bridge.NewConn(outR, inW, opts)
	p := &peer{t: t, conn: conn, commands: bufio.NewReader(inR), out: outW, in: inR}
	t.Cleanup(func() {
		conn.Close()
		outW.Close()
		inR.Close()
		conn.Wait()
	})
	return p
}

// next reads one command line written by the Conn.
func (p *peer) next() (proto.Command, string) {
	p.t.Helper()
	line, err := p.commands.ReadBytes('\n')
	require.NoError(p.t, err)
	cmd, id, err := proto.DecodeCommand(line)
	require.NoError(p.t, err)
	return cmd, id
}

func (p *peer) send(format string, args ...any) {
	p.t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	require.NoError(p.t, err)
}

func TestConnGetPeersWithInterleavedHeartbeat(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, id := p.next()
		assert.Equal(t, proto.CmdGetPeers, cmd.Name())
		p.send(`{"event":"heartbeat","peerId":"p1","payload":{"elo":1200}}`)
		p.send(`{"id":%q,"ok":true,"peers":["p1","p2"]}`, id)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.conn.Call(ctx, proto.GetPeers{})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"p1", "p2"}, resp.Peers)
	<-done

	ev, ok := p.conn.PollEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, proto.EventHeartbeat, ev.Kind)
	assert.Equal(t, "p1", ev.PeerID)
	assert.JSONEq(t, `{"elo":1200}`, string(ev.Payload))
}

func TestConnConcurrentCallsGetOwnResponse(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	const callers = 64

	go func() {
		ids := make([]string, 0, callers)
		for i := 0; i < callers; i++ {
			_, id := p.next()
			ids = append(ids, id)
		}
		// Answer in reverse order, with events in between.
		for i := len(ids) - 1; i >= 0; i-- {
			p.send(`{"event":"sync","payload":{"n":%d}}`, i)
			p.send(`{"id":%q,"ok":true,"echo":%q}`, ids[i], ids[i])
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pending, err := p.conn.Submit(context.Background(), proto.JoinGame{GameID: fmt.Sprint(i)})
			if err != nil {
				errs <- err
				return
			}
			resp, err := pending.Wait(ctx)
			if err != nil {
				errs <- err
				return
			}
			var body struct {
				Echo string `json:"echo"`
			}
			if err := resp.Decode(&body); err != nil {
				errs <- err
				return
			}
			if resp.ID != pending.ID() || body.Echo != pending.ID() {
				errs <- fmt.Errorf("caller %s got response for %s", pending.ID(), body.Echo)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, p.conn.PendingRequests())
	assert.Equal(t, uint64(callers), p.conn.Stats().Responses)
}

func TestConnEventsAreFIFO(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	const events = 200

	go func() {
		_, id := p.next()
		for i := 0; i < events; i++ {
			p.send(`{"event":"move","peerId":"p1","payload":{"seq":%d}}`, i)
			if i == events/2 {
				p.send(`{"id":%q,"ok":true}`, id)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.conn.Call(ctx, proto.JoinLobby{})
	require.NoError(t, err)

	seq := 0
	for ev := range p.conn.Events(ctx) {
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, ev.Decode(&payload))
		require.Equal(t, seq, payload.Seq)
		seq++
		if seq == events {
			break
		}
	}
	assert.Equal(t, events, seq)
}

func TestConnDiscardsMalformedLines(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})

	go func() {
		_, id := p.next()
		p.send(`wrtc not available; WebRTC may not work in Node`)
		p.send(``)
		p.send(`[1,2,3]`)
		p.send(`{"ok":true}`)
		p.send(`{"id":"someone-else","ok":true}`)
		p.send(`{"id":%q,"ok":false,"error":"No room joined (joinLobby or joinGame first)"}`, id)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.conn.Call(ctx, proto.Send{Action: "chat"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "No room joined (joinLobby or joinGame first)", resp.Error)

	stats := p.conn.Stats()
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(2), stats.Discarded)
	assert.Equal(t, uint64(0), stats.Events)
	assert.Nil(t, p.conn.Err())
}

func TestConnEndOfStreamFailsAllWaiters(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	const waiters = 8

	pendings := make(chan *bridge.Pending, waiters)
	go func() {
		for i := 0; i < waiters; i++ {
			pending, err := p.conn.Submit(context.Background(), proto.LeaveLobby{})
			if assert.NoError(t, err) {
				pendings <- pending
			}
		}
		close(pendings)
	}()
	for i := 0; i < waiters; i++ {
		p.next()
	}
	p.send(`{"event":"peerLeave","peerId":null,"payload":null}`)
	p.out.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	count := 0
	for pending := range pendings {
		_, err := pending.Wait(ctx)
		require.ErrorIs(t, err, bridge.ErrNoResponse)
		require.ErrorIs(t, err, io.EOF)
		count++
	}
	assert.Equal(t, waiters, count)
	assert.Less(t, time.Since(start), 5*time.Second)

	<-p.conn.Done()
	assert.ErrorIs(t, p.conn.Err(), io.EOF)

	// Events read before the end are still delivered.
	ev, err := p.conn.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.EventPeerLeave, ev.Kind)
	_, err = p.conn.NextEvent(ctx)
	assert.ErrorIs(t, err, bridge.ErrClosed)

	_, err = p.conn.Submit(context.Background(), proto.GetPeers{})
	assert.ErrorIs(t, err, bridge.ErrClosed)
}

// recordingLogger keeps log lines by level.
type recordingLogger struct {
	mu    sync.Mutex
	info  []string
	debug []string
}

func (l *recordingLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info = append(l.info, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Debugf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = append(l.debug, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) lines() (info, debug []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.info...), append([]string(nil), l.debug...)
}

func TestConnTimeoutAndLateResponse(t *testing.T) {
	logger := &recordingLogger{}
	p := newPeer(t, bridge.ConnOptions{Logger: logger})

	ids := make(chan string, 1)
	go func() {
		_, id := p.next()
		ids <- id
	}()

	pending, err := p.conn.Submit(context.Background(), proto.GetPeers{})
	require.NoError(t, err)

	start := time.Now()
	_, err = pending.WaitTimeout(time.Second)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, bridge.ErrNoResponse)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)

	// The identifier stays reserved; the late reply is swallowed and
	// counted rather than surfacing as an event.
	assert.Equal(t, 1, p.conn.PendingRequests())
	id := <-ids
	p.send(`{"id":%q,"ok":true,"peers":[],"event":"oops"}`, id)
	require.Eventually(t, func() bool { return p.conn.Stats().LateResponses == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.conn.PendingRequests())
	assert.Equal(t, 0, p.conn.QueuedEvents())

	info, debug := logger.lines()
	assert.Empty(t, info)
	assert.Contains(t, strings.Join(debug, "\n"), "late response for getPeers id="+id)
}

func TestConnEvictsStaleRequests(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{StaleAfter: 10 * time.Millisecond})

	ids := make(chan string, 1)
	go func() {
		_, id := p.next()
		ids <- id
	}()
	pending, err := p.conn.Submit(context.Background(), proto.JoinLobby{})
	require.NoError(t, err)
	_, err = pending.WaitTimeout(20 * time.Millisecond)
	require.ErrorIs(t, err, bridge.ErrNoResponse)
	id := <-ids

	// Sweeps are throttled to one per second.
	time.Sleep(1100 * time.Millisecond)
	p.send(`{"id":%q,"ok":true,"event":"joined"}`, id)

	require.Eventually(t, func() bool { return p.conn.Stats().Evicted == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.conn.PendingRequests())
	assert.Equal(t, uint64(0), p.conn.Stats().LateResponses)

	// With the identifier forgotten, the line falls through to event
	// handling.
	ev, ok := p.conn.PollEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, proto.EventKind("joined"), ev.Kind)
}

func TestConnEvictsNeverWaitedRequests(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{StaleAfter: 10 * time.Millisecond})

	ids := make(chan string, 3)
	go func() {
		for i := 0; i < 3; i++ {
			_, id := p.next()
			ids <- id
		}
	}()

	forgotten, err := p.conn.Submit(context.Background(), proto.GetPeers{})
	require.NoError(t, err)
	waited, err := p.conn.Submit(context.Background(), proto.JoinLobby{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := waited.Wait(ctx)
		result <- err
	}()

	// Sweeps are throttled to one per second; the next submission runs one.
	time.Sleep(1100 * time.Millisecond)
	_, err = p.conn.Submit(context.Background(), proto.LeaveLobby{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), p.conn.Stats().Evicted)
	assert.Equal(t, 2, p.conn.PendingRequests())

	start := time.Now()
	_, err = forgotten.WaitTimeout(5 * time.Second)
	require.ErrorIs(t, err, bridge.ErrNoResponse)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// A caller still inside Wait keeps its entry past the stale window.
	<-ids
	p.send(`{"id":%q,"ok":true}`, <-ids)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller did not get its response")
	}
}

func TestConnCancel(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	go p.next()

	pending, err := p.conn.Submit(context.Background(), proto.LeaveGame{})
	require.NoError(t, err)
	pending.Cancel()

	_, err = pending.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, bridge.ErrNoResponse)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.conn.PendingRequests())
}

func TestConnCloseUnblocksWaiters(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	go p.next()

	pending, err := p.conn.Submit(context.Background(), proto.GetPeers{})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := pending.Wait(context.Background())
		result <- err
	}()

	require.NoError(t, p.conn.Close())
	require.NoError(t, p.conn.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, bridge.ErrNoResponse)
		assert.ErrorIs(t, err, bridge.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by Close")
	}
	p.conn.Wait()
	assert.ErrorIs(t, p.conn.Err(), bridge.ErrClosed)

	_, ok := p.conn.PollEvent(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestConnWriteError(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	p.in.Close()

	_, err := p.conn.Submit(context.Background(), proto.JoinLobby{})
	var writeErr *bridge.WriteError
	require.True(t, errors.As(err, &writeErr), "expected *WriteError, got %v", err)
	assert.Equal(t, 0, p.conn.PendingRequests())
}

func TestConnEventsRestartable(t *testing.T) {
	p := newPeer(t, bridge.ConnOptions{})
	for i := 0; i < 3; i++ {
		p.send(`{"event":"chat","peerId":"p%d","payload":{"text":"hi"}}`, i)
	}
	require.Eventually(t, func() bool { return p.conn.QueuedEvents() == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var seen []string
	for ev := range p.conn.Events(ctx) {
		seen = append(seen, ev.PeerID)
		break
	}
	for ev := range p.conn.Events(ctx) {
		seen = append(seen, ev.PeerID)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"p0", "p1", "p2"}, seen)

	_, ok := p.conn.PollEvent(0)
	assert.False(t, ok)
	start := time.Now()
	_, ok = p.conn.PollEvent(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestConnCustomIDs(t *testing.T) {
	n := 0
	p := newPeer(t, bridge.ConnOptions{NewID: func() string { n++; return fmt.Sprintf("X%d", n) }})
	go func() {
		_, id := p.next()
		p.send(`{"id":%q,"ok":true}`, id)
	}()
	pending, err := p.conn.Submit(context.Background(), proto.JoinLobby{})
	require.NoError(t, err)
	assert.Equal(t, "X1", pending.ID())
	resp, err := pending.WaitTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"X1","ok":true}`, string(resp.Raw))
}
