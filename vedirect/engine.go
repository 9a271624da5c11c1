// Package vedirect implements the VE.Direct protocol engine: the text
// telemetry decoder, the hex command codec and the correlator that turns
// the asynchronous serial stream into request/response semantics.
//
// Two sub-protocols share one stream with no outer framing. Telemetry is
// unsolicited `LABEL\tVALUE\r\n` lines closed by a checksum field; command
// replies are `:`-framed hex lines the device interleaves at will. The
// dispatch heuristic lives in Engine.dispatch.
package vedirect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/akulov/bluesmart2mqtt/helpers"
	"github.com/akulov/bluesmart2mqtt/log2"
)

const (
	DefaultTimeout     = 1 * time.Second
	DefaultMaxAttempts = 3

	// FIFO queue depth for callers waiting behind the in-flight command.
	commandQueueDepth = 16
)

var ErrClosed = fmt.Errorf("vedirect: engine closed")

type Options struct {
	// Timeout is the per-attempt reply deadline.
	Timeout time.Duration
	// MaxAttempts bounds silent resends before a command fails.
	MaxAttempts int
	// OnFrame is the telemetry sink, called from the read loop for every
	// accepted frame. Latency and failure handling are the sink's concern.
	OnFrame func(Snapshot)
	Log     *log2.Log
}

// Stat carries engine counters, safe to read concurrently via Stat().
type Stat struct {
	FramesOk        uint32
	FramesBad       uint32
	DecodeErrors    uint32
	CommandsOk      uint32
	CommandRetries  uint32
	CommandTimeouts uint32
}

type txResult struct {
	reply Reply
	err   error
}

type pending struct {
	cmd  Command
	wire []byte
	// buffered so an abandoned waiter never blocks the tx worker
	done chan txResult
}

// Engine owns the duplex stream for its lifetime. Exactly one goroutine
// reads bytes and drives decoder state; a second serializes commands so
// that at most one is on the wire system-wide.
type Engine struct {
	alive  *alive.Alive
	log    *log2.Log
	opt    Options
	stream io.ReadWriter

	cmdq    chan *pending
	replies chan Reply

	fatal     helpers.AtomicError
	lastFrame *atomic_clock.Clock
	stat      Stat

	mu     sync.Mutex
	last   Snapshot
	polled uint64
}

func NewEngine(stream io.ReadWriter, opt Options) *Engine {
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.MaxAttempts == 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}
	e := &Engine{
		alive:     alive.NewAlive(),
		log:       opt.Log,
		opt:       opt,
		stream:    stream,
		cmdq:      make(chan *pending, commandQueueDepth),
		replies:   make(chan Reply, 1),
		lastFrame: atomic_clock.Now(),
	}
	e.alive.Add(2)
	go e.readLoop()
	go e.txLoop()
	return e
}

// Close stops both workers and closes the stream to unblock the reader.
func (e *Engine) Close() error {
	e.alive.Stop()
	var err error
	if c, ok := e.stream.(io.Closer); ok {
		err = c.Close()
	}
	e.alive.Wait()
	return err
}

// Err returns the fatal transport error, if any. A failed engine must be
// re-created by its owner; reconnect policy lives there.
func (e *Engine) Err() error {
	err, _ := e.fatal.Load()
	return err
}

// Done closes when the engine stops, either by Close or transport failure.
func (e *Engine) Done() <-chan struct{} { return e.alive.StopChan() }

// LastFrame returns the time since the last accepted telemetry frame.
func (e *Engine) LastFrame() time.Duration { return atomic_clock.Since(e.lastFrame) }

func (e *Engine) Stat() Stat {
	return Stat{
		FramesOk:        atomic.LoadUint32(&e.stat.FramesOk),
		FramesBad:       atomic.LoadUint32(&e.stat.FramesBad),
		DecodeErrors:    atomic.LoadUint32(&e.stat.DecodeErrors),
		CommandsOk:      atomic.LoadUint32(&e.stat.CommandsOk),
		CommandRetries:  atomic.LoadUint32(&e.stat.CommandRetries),
		CommandTimeouts: atomic.LoadUint32(&e.stat.CommandTimeouts),
	}
}

// Poll returns the latest accepted snapshot and whether it changed since
// the previous Poll. Never blocks, never surfaces decode errors.
func (e *Engine) Poll() (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last.seq == 0 || e.last.seq == e.polled {
		return e.last, false
	}
	e.polled = e.last.seq
	return e.last, true
}

// SendCommand queues cmd and waits for its resolution. ctx cancels only
// the wait: a command already handed to the tx worker still runs to
// completion on the wire and its result is discarded.
func (e *Engine) SendCommand(ctx context.Context, cmd Command) (Reply, error) {
	if err, ok := e.fatal.Load(); ok {
		return Reply{}, err
	}
	p := &pending{cmd: cmd, wire: cmd.Encode(), done: make(chan txResult, 1)}
	select {
	case e.cmdq <- p:
	case <-ctx.Done():
		return Reply{}, errors.Trace(ctx.Err())
	case <-e.alive.StopChan():
		return Reply{}, e.closedErr()
	}
	select {
	case res := <-p.done:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{}, errors.Trace(ctx.Err())
	}
}

func (e *Engine) closedErr() error {
	if err, ok := e.fatal.Load(); ok {
		return err
	}
	return ErrClosed
}

// fail records the first transport error and stops the engine. All
// outstanding and queued commands resolve with this error.
func (e *Engine) fail(err error) {
	if _, wasSet := e.fatal.StoreOnce(err); !wasSet {
		e.log.Errorf("vedirect: fatal %v", err)
		e.alive.Stop()
	}
}

func (e *Engine) readLoop() {
	defer e.alive.Done()

	br := bufio.NewReader(e.stream)
	asm := newAssembler()
	for e.alive.IsRunning() {
		raw, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// oversized garbage, count it into the frame sum and resync
			// at the next delimiter
			asm.count(raw)
			atomic.AddUint32(&e.stat.DecodeErrors, 1)
			continue
		}
		if err != nil {
			if e.alive.IsRunning() {
				e.fail(errors.Annotate(err, "vedirect: stream read"))
			}
			return
		}
		e.dispatch(asm, raw)
	}
}

// dispatch arbitrates the shared stream: a line is first offered to the
// field decoder, then to the reply codec, otherwise it is junk. This
// ordering is a heuristic forced by the device's framing ambiguity; keep
// it in one place so a cleaner framing signal can replace it without
// touching the codecs. Junk bytes feed the running frame sum (scenario:
// corruption mid-frame must fail that frame's checksum); accepted hex
// replies belong to the other sub-protocol and do not.
func (e *Engine) dispatch(asm *assembler, raw []byte) {
	if len(bytes.TrimRight(raw, "\r\n")) == 0 {
		// bare delimiter: residue of a line split inside the checksum
		// byte, belongs to no frame
		return
	}

	if f, err := parseField(raw); err == nil {
		asm.count(raw)
		if f.Label == ChecksumLabel {
			snap, ok := asm.feed(f)
			if !ok {
				atomic.AddUint32(&e.stat.FramesBad, 1)
				e.log.Debugf("vedirect: frame rejected, bad checksum")
				return
			}
			atomic.AddUint32(&e.stat.FramesOk, 1)
			e.lastFrame.SetNow()
			e.publish(snap)
			return
		}
		asm.feed(f)
		return
	}

	if r, err := DecodeReply(raw); err == nil {
		select {
		case e.replies <- r:
		default:
			e.log.Debugf("vedirect: unsolicited reply register=%04x status=%s", r.Register, r.Status)
		}
		return
	}

	asm.count(raw)
	atomic.AddUint32(&e.stat.DecodeErrors, 1)
	e.log.Debugf("vedirect: discarding line %q", raw)
}

func (e *Engine) publish(s Snapshot) {
	e.mu.Lock()
	e.last = s
	e.mu.Unlock()
	if e.opt.OnFrame != nil {
		e.opt.OnFrame(s)
	}
}

func (e *Engine) txLoop() {
	defer e.alive.Done()

	stopch := e.alive.StopChan()
	for {
		select {
		case p := <-e.cmdq:
			p.done <- e.transact(p, stopch)

		case <-stopch:
			for {
				select {
				case p := <-e.cmdq:
					p.done <- txResult{err: e.closedErr()}
				default:
					return
				}
			}
		}
	}
}

// transact drives one command Sent -> {Acked|TimedOut}: write, wait for a
// register-matched reply, resend on per-attempt timeout up to the attempt limit.
// Intermediate timeouts are silent; only exhaustion surfaces.
func (e *Engine) transact(p *pending, stopch <-chan struct{}) txResult {
	// a reply buffered while nothing was outstanding must not resolve
	// this command
drain:
	for {
		select {
		case r := <-e.replies:
			e.log.Debugf("vedirect: dropping stale reply register=%04x status=%s", r.Register, r.Status)
		default:
			break drain
		}
	}

attempts:
	for attempt := 1; attempt <= e.opt.MaxAttempts; attempt++ {
		if attempt > 1 {
			atomic.AddUint32(&e.stat.CommandRetries, 1)
			e.log.Debugf("vedirect: resend register=%04x attempt=%d", p.cmd.Register, attempt)
		}
		if _, err := e.stream.Write(p.wire); err != nil {
			err = errors.Annotatef(err, "vedirect: write register=%04x", p.cmd.Register)
			e.fail(err)
			return txResult{err: err}
		}
		timer := time.NewTimer(e.opt.Timeout)
		for {
			select {
			case r := <-e.replies:
				if r.Register == p.cmd.Register {
					timer.Stop()
					atomic.AddUint32(&e.stat.CommandsOk, 1)
					return txResult{reply: r}
				}
				e.log.Debugf("vedirect: reply register=%04x does not match pending=%04x", r.Register, p.cmd.Register)

			case <-timer.C:
				continue attempts

			case <-stopch:
				timer.Stop()
				return txResult{err: e.closedErr()}
			}
		}
	}
	atomic.AddUint32(&e.stat.CommandTimeouts, 1)
	return txResult{err: errors.Timeoutf("vedirect: command register=%04x attempts=%d", p.cmd.Register, e.opt.MaxAttempts)}
}
