// Package conn implements Connection: the upward-facing API that owns
// one StreamTable and one Flusher, wires the collaborator contracts of
// pkg/transport, and dispatches events to the application's callback.
// This is the piece spec.md's "Upward (to the application)" section
// describes without naming a package for.
package conn

import (
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ekr/mozquic/pkg/config"
	"github.com/ekr/mozquic/pkg/flusher"
	"github.com/ekr/mozquic/pkg/quicerr"
	"github.com/ekr/mozquic/pkg/stream"
	"github.com/ekr/mozquic/pkg/streamtable"
	"github.com/ekr/mozquic/pkg/transport"
	"github.com/ekr/mozquic/pkg/wire"
)

// ErrNotStarted is returned by operations that require StartClient or
// StartServer to have run first.
var ErrNotStarted = errors.New("conn: connection not started")

// ErrUnknownStream names a stream ID with no corresponding Stream.
var ErrUnknownStream = errors.New("conn: unknown stream")

// Connection is one QUIC-style endpoint: client or server, carrying the
// stream multiplexing and reliability engine over a caller-supplied
// DatagramConn and Protector. It runs single-threaded and cooperative
// per spec.md §5: every exported method except the retransmission
// ticker's internal goroutine executes synchronously on the caller's
// thread.
type Connection struct {
	cfg   *config.Config
	role  transport.Role
	state transport.ConnState

	table   *streamtable.StreamTable
	flusher *flusher.Flusher

	dconn transport.DatagramConn
	prot  transport.Protector
	clock transport.Clock

	recvBuf []byte

	tick       chan struct{}
	stopTicker chan struct{}
	tickerDone chan struct{}
}

// realClock implements transport.Clock using the wall clock, used when
// the caller does not supply its own.
type realClock struct{}

func (realClock) NowMillis() int64 { return time.Now().UnixMilli() }

// NewConnection constructs an uninitialised Connection. dconn and prot
// are the downward collaborators spec.md §6 names; clock may be nil to
// use the wall clock.
func NewConnection(cfg *config.Config, dconn transport.DatagramConn, prot transport.Protector, clock transport.Clock) *Connection {
	if cfg == nil {
		cfg = config.New()
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Connection{
		cfg:     cfg,
		state:   transport.StateUninitialized,
		dconn:   dconn,
		prot:    prot,
		clock:   clock,
		recvBuf: make([]byte, cfg.MaxDatagram*2),
	}
}

// State reports the current connection-level state, satisfying
// transport.StateProvider for the Flusher.
func (c *Connection) State() transport.ConnState { return c.state }

// ForceState overrides the connection-level state directly. It exists
// for callers standing in for the handshake's own state transitions
// without implementing one, such as a demo harness driving the core
// over a bare pipe.
func (c *Connection) ForceState(s transport.ConnState) { c.state = s }

// SetCallback installs the event callback after construction, letting
// callers wire logging before StartClient/StartServer rather than
// threading it through config.New.
func (c *Connection) SetCallback(cb config.EventCallback) { c.cfg.Callback = cb }

// RetransmitThreshold reports the configured retransmission delay.
func (c *Connection) RetransmitThreshold() time.Duration { return c.cfg.RetransmitThreshold }

// Retransmit runs one retransmission-timer pass immediately, as if the
// internal ticker had just fired. Useful for demos and tests driving
// time manually instead of waiting on the wall clock.
func (c *Connection) Retransmit() {
	if c.flusher != nil {
		c.flusher.RetransmitTimer(c.clock.NowMillis())
	}
}

func (c *Connection) start(role transport.Role) error {
	c.role = role
	c.table = streamtable.New(role)
	c.table.SetEventSink(c)

	c.flusher = flusher.New(&c.table.Unwritten, &c.table.UnAcked, c.table.PeerLimits, c.prot, c, c.clock, c.cfg.MaxDatagram)
	c.flusher.SetTiming(c.cfg.RetransmitThreshold, c.cfg.ForgetUnackedThreshold)

	c.state = transport.StateHandshaking

	c.tick = make(chan struct{}, 1)
	c.stopTicker = make(chan struct{})
	c.tickerDone = make(chan struct{})
	go c.retransmitTicker()

	return nil
}

// StartClient transitions the connection to active, client role.
func (c *Connection) StartClient() error { return c.start(transport.RoleClient) }

// StartServer transitions the connection to active, server role.
func (c *Connection) StartServer() error { return c.start(transport.RoleServer) }

// retransmitTicker is the one internal goroutine a Connection runs. Per
// spec.md §5's single-writer requirement it never touches the
// StreamTable itself: it only does a non-blocking send on a one-slot
// buffered tick channel (a tick already pending is not duplicated) that
// IO drains and acts on synchronously,
// grounded on cla.Manager.handler()'s ticker-driven select loop.
func (c *Connection) retransmitTicker() {
	defer close(c.tickerDone)
	ticker := time.NewTicker(c.cfg.RetransmitThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopTicker:
			return
		case <-ticker.C:
			select {
			case c.tick <- struct{}{}:
			default:
			}
		}
	}
}

// Close stops the retransmission ticker and tears down every stream.
func (c *Connection) Close() {
	if c.stopTicker == nil {
		return
	}
	close(c.stopTicker)
	<-c.tickerDone
	c.state = transport.StateClosed
	for _, id := range c.table.StreamIDs() {
		c.table.ScrubUnWritten(id)
		c.table.ScrubUnAcked(id)
	}
}

// StartNewStream opens a new locally-initiated stream and optionally
// writes an initial payload on it.
func (c *Connection) StartNewStream(data []byte, fin bool) (*stream.Stream, error) {
	if c.table == nil {
		return nil, quicerr.Wrap(quicerr.Invalid, ErrNotStarted)
	}
	s, err := c.table.StartNewStream(data, fin)
	if err != nil {
		return nil, quicerr.Wrap(c.classify(err), err)
	}
	return s, nil
}

// GetStreamID reports s's numeric identifier. It exists alongside
// StartNewStream/Send/EndStream/ResetStream/StopSending/Recv as a named
// upward operation (spec.md §6) for callers holding a *stream.Stream
// that want its ID through the Connection rather than calling s.ID()
// directly.
func (c *Connection) GetStreamID(s *stream.Stream) uint32 { return s.ID() }

func (c *Connection) getStream(streamID uint32) (*stream.Stream, error) {
	if c.table == nil {
		return nil, ErrNotStarted
	}
	s, ok := c.table.GetStream(streamID)
	if !ok {
		return nil, ErrUnknownStream
	}
	return s, nil
}

// Send appends data to the named stream's outbound queue.
func (c *Connection) Send(streamID uint32, data []byte, fin bool) error {
	s, err := c.getStream(streamID)
	if err != nil {
		return quicerr.Wrap(c.classify(err), err)
	}
	err = s.Write(data, fin)
	return quicerr.Wrap(c.classify(err), err)
}

// EndStream closes the send side of a stream with no further data.
func (c *Connection) EndStream(streamID uint32) error {
	s, err := c.getStream(streamID)
	if err != nil {
		return quicerr.Wrap(c.classify(err), err)
	}
	err = s.EndStream()
	return quicerr.Wrap(c.classify(err), err)
}

// ResetStream aborts the send side of a stream with an application
// error code, scrubbing the stream's queued data chunks from both
// outbound queues while keeping the reset chunk queued.
func (c *Connection) ResetStream(streamID uint32, code uint64) error {
	s, err := c.getStream(streamID)
	if err != nil {
		return quicerr.Wrap(c.classify(err), err)
	}
	err = s.RstStream(code)
	c.table.ScrubUnWritten(streamID)
	c.table.ScrubUnAcked(streamID)
	return quicerr.Wrap(c.classify(err), err)
}

// StopSending requests that the peer cease sending on a stream.
func (c *Connection) StopSending(streamID uint32, code uint64) error {
	s, err := c.getStream(streamID)
	if err != nil {
		return quicerr.Wrap(c.classify(err), err)
	}
	s.StopSending(code)
	return nil
}

// Recv drains up to len(dst) contiguous readable bytes from a stream.
func (c *Connection) Recv(streamID uint32, dst []byte) (n int, fin bool, err error) {
	s, err := c.getStream(streamID)
	if err != nil {
		return 0, false, quicerr.Wrap(c.classify(err), err)
	}
	n, fin = s.Read(dst)
	return n, fin, nil
}

// classify maps an internal error to the closed return-code enumeration
// spec.md §6 names, so callers inspecting quicerr.Error.Code see the
// contract's small closed set rather than an open-ended error tree.
func (c *Connection) classify(err error) quicerr.Code {
	switch {
	case err == nil:
		return quicerr.OK
	case errors.Is(err, ErrUnknownStream), errors.Is(err, ErrNotStarted):
		return quicerr.Invalid
	case errors.Is(err, streamtable.ErrAlreadyFinished):
		return quicerr.AlreadyFinished
	default:
		var pe *quicerr.ProtocolError
		if errors.As(err, &pe) {
			return quicerr.Invalid
		}
		return quicerr.General
	}
}

// StartBackPressure pauses the Flusher independently of flow control.
func (c *Connection) StartBackPressure() {
	if c.flusher != nil {
		c.flusher.Pause()
	}
}

// ReleaseBackPressure resumes a Flusher paused by StartBackPressure.
func (c *Connection) ReleaseBackPressure() {
	if c.flusher != nil {
		c.flusher.Resume()
	}
}

// IO is one tick of the event loop: it drains the retransmit ticker's
// signal, pumps every currently available inbound datagram, dispatches
// their frames to the StreamTable, and flushes outbound traffic. Fatal
// conditions observed in a single tick are accumulated with
// go-multierror and reported once, mirroring bundle.go's errs =
// multierror.Append(errs, ...) accumulation idiom.
func (c *Connection) IO() error {
	if c.table == nil {
		return ErrNotStarted
	}

	var errs error

	select {
	case <-c.tick:
		c.flusher.RetransmitTimer(c.clock.NowMillis())
	default:
	}

	for {
		n, err := c.dconn.Recv(c.recvBuf)
		if errors.Is(err, transport.ErrNoDatagram) {
			break
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if ioErr := c.handleDatagram(c.recvBuf[:n]); ioErr != nil {
			errs = multierror.Append(errs, ioErr)
		}
	}

	if err := c.flusher.Flush(false); err != nil && !errors.Is(err, flusher.ErrBackPressure) {
		errs = multierror.Append(errs, err)
	}

	if errs != nil {
		c.emit(config.EventError, 0)
	} else {
		c.emit(config.EventIO, 0)
	}
	return errs
}

func (c *Connection) handleDatagram(datagram []byte) error {
	payload, fromCleartext, err := c.prot.Unprotect(datagram)
	if err != nil {
		return err
	}

	for len(payload) > 0 {
		typeByte, err := wire.PeekFrameType(payload)
		if err != nil {
			return err
		}

		switch {
		case wire.IsStreamFrameType(typeByte):
			sf, rest, err := wire.DecodeStreamFrame(payload)
			if err != nil {
				return err
			}
			payload = rest
			if err := c.table.HandleStreamFrame(sf, fromCleartext); err != nil {
				if c.isFatal(err) {
					c.teardown(err)
					return err
				}
				log.WithField("error", err).Debug("dropping frame for already-finished stream")
			}

		case typeByte == wire.ResetFrameType:
			streamID, code, rest, err := wire.DecodeResetFrame(payload)
			if err != nil {
				return err
			}
			payload = rest
			if err := c.table.HandleResetFrame(streamID, code); err != nil {
				if c.isFatal(err) {
					c.teardown(err)
					return err
				}
				log.WithField("error", err).Debug("dropping reset for already-finished stream")
			}

		case typeByte == wire.AckFrameType:
			pns, rest, err := wire.DecodeAckFrame(payload)
			if err != nil {
				return err
			}
			payload = rest
			c.flusher.AckReceived(pns)

		default:
			return errors.New("conn: unrecognised frame type in datagram")
		}
	}
	return nil
}

func (c *Connection) isFatal(err error) bool {
	var pe *quicerr.ProtocolError
	return errors.As(err, &pe)
}

// teardown transitions to the terminal state and scrubs every stream's
// queued chunks, per spec.md §7's "protocol violation is fatal" rule
// and scenario S5.
func (c *Connection) teardown(cause error) {
	log.WithField("error", cause).Error("fatal protocol violation, tearing down connection")
	c.state = transport.StateClosed
	for _, id := range c.table.StreamIDs() {
		c.table.ScrubUnWritten(id)
		c.table.ScrubUnAcked(id)
	}
	c.emit(config.EventCloseConnection, 0)
}

func (c *Connection) emit(event config.Event, streamID uint32) {
	if c.cfg.Callback != nil {
		c.cfg.Callback(event, streamID, c.cfg.Closure)
	}
}

// OnNewStreamData implements streamtable.EventSink.
func (c *Connection) OnNewStreamData(s *stream.Stream) {
	c.emit(config.EventNewStreamData, s.ID())
}

// OnStreamReset implements streamtable.EventSink.
func (c *Connection) OnStreamReset(s *stream.Stream) {
	c.emit(config.EventStreamReset, s.ID())
}
