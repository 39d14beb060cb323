package multiplex

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telikos/wispgate/internal/common"

	log "github.com/sirupsen/logrus"
)

const (
	defaultInitialWindow    = 127
	defaultConnectTimeout   = 20 * time.Second
	defaultOutboundQueueLen = 256
	maxProtocolViolations   = 64
	controlStreamID         = 0
)

var ErrBrokenSession = errors.New("broken session")
var ErrUnknownStream = errors.New("frame for an unknown stream")
var ErrReservedStream = errors.New("stream id reserved for connection control")
var errRepeatSessionClosing = errors.New("trying to close a closed session")

// Transport is one duplex message channel to the peer, typically a WebSocket
// connection. One message carries exactly one frame. ReadMessage is consumed
// by a single goroutine; WriteMessage and Close may be called concurrently.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

type SessionConfig struct {
	// Shared or per-session rate limiter and byte counter. Defaults to
	// UNLIMITED_VALVE.
	*Valve

	// Dialer opens the real outbound sockets. Defaults to the net package.
	Dialer common.Dialer

	// InitialWindow is the number of DATA frames the peer may send on a
	// stream (and, with streamId 0, on a fresh connection) before it must
	// wait for a CONTINUE grant.
	InitialWindow uint32

	// ConnectTimeout bounds outbound connection establishment. A stream
	// whose dial has not resolved within it is failed with a CLOSE.
	ConnectTimeout time.Duration

	// MaxDataPayload caps the payload size of an inbound DATA frame.
	MaxDataPayload int

	// OutboundQueueLen sets the per-stream queue of DATA payloads pending
	// behind an unresolved dial. Raised to InitialWindow+1 if below it.
	OutboundQueueLen int

	// HostFilter, when set, vets the target host of every CONNECT. A
	// rejected host gets a CLOSE with the blocked reason and no dial.
	HostFilter func(host string) bool
}

// A Session multiplexes logical streams over one transport connection, each
// stream backed by one outbound socket that the gateway manages on the peer's
// behalf. It consumes inbound frames, drives the stream table and emits
// frames back over the transport. All state is in-memory and dies with the
// transport connection.
type Session struct {
	id uint32

	SessionConfig

	transport Transport

	// serialises stream table access and StreamEntry mutation between the
	// frame dispatch path and adapter event callbacks
	streamsM sync.Mutex
	streams  map[uint32]*streamEntry

	// serialises frame emission onto the transport
	writeM sync.Mutex

	// atomic
	violations uint32

	closed uint32

	terminalMsgSetter sync.Once
	terminalMsg       string
}

// streamEntry is the stream table's record of one live stream. It exclusively
// owns its adapter: removing the entry must close the adapter. credit is only
// mutated under Session.streamsM.
type streamEntry struct {
	id     uint32
	out    *outbound
	credit uint32
}

func MakeSession(id uint32, transport Transport, config SessionConfig) *Session {
	sesh := &Session{
		id:            id,
		SessionConfig: config,
		transport:     transport,
		streams:       map[uint32]*streamEntry{},
	}
	if config.Valve == nil {
		sesh.Valve = UNLIMITED_VALVE
	}
	if config.Dialer == nil {
		sesh.Dialer = &net.Dialer{}
	}
	if config.InitialWindow == 0 {
		sesh.InitialWindow = defaultInitialWindow
	}
	if config.ConnectTimeout == 0 {
		sesh.ConnectTimeout = defaultConnectTimeout
	}
	if config.OutboundQueueLen == 0 {
		sesh.OutboundQueueLen = defaultOutboundQueueLen
	}
	if sesh.OutboundQueueLen < int(sesh.InitialWindow)+1 {
		sesh.OutboundQueueLen = int(sesh.InitialWindow) + 1
	}
	return sesh
}

// Run announces the initial credit window and then consumes inbound frames
// until the transport dies or a protocol error kills the session. It returns
// nil when the peer simply went away. The caller owns the goroutine; Run does
// not spawn one.
func (sesh *Session) Run() error {
	if err := sesh.sendFrame(NewContinueFrame(controlStreamID, sesh.InitialWindow)); err != nil {
		sesh.SetTerminalMsg("failed to send the initial credit grant")
		sesh.passiveClose()
		return err
	}

	for {
		msg, err := sesh.transport.ReadMessage()
		if err != nil {
			sesh.SetTerminalMsg("transport connection closed")
			sesh.passiveClose()
			return nil
		}

		frame, err := UnmarshalFrame(msg, sesh.MaxDataPayload)
		if err != nil {
			sesh.SetTerminalMsg("codec failure: " + err.Error())
			sesh.Close()
			return err
		}

		if err := sesh.dispatch(frame); err != nil {
			if errors.Is(err, ErrUnknownStream) || errors.Is(err, ErrReservedStream) {
				log.WithFields(log.Fields{
					"sessionId": sesh.id,
					"streamId":  frame.StreamID,
				}).Warnf("dropping frame: %v", err)
				if atomic.AddUint32(&sesh.violations, 1) >= maxProtocolViolations {
					sesh.SetTerminalMsg("too many protocol violations")
					sesh.Close()
					return err
				}
				continue
			}
			sesh.SetTerminalMsg("fatal frame dispatch failure: " + err.Error())
			sesh.Close()
			return err
		}
	}
}

// dispatch routes one validated frame. Any panic inside per-frame handling is
// caught here and surfaced as a session-fatal error rather than left to kill
// the event source.
func (sesh *Session) dispatch(frame Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching a %v frame: %v", frame.Kind, r)
		}
	}()

	switch frame.Kind {
	case FrameConnect:
		return sesh.handleConnect(frame)
	case FrameData:
		return sesh.handleData(frame)
	case FrameClose:
		sesh.handleClose(frame)
		return nil
	case FrameContinue:
		// the peer is the only DATA sender with a credit obligation, so an
		// inbound grant carries no information for us
		log.Tracef("session %v ignoring inbound CONTINUE for stream %v", sesh.id, frame.StreamID)
		return nil
	default:
		return fmt.Errorf("%w: kind %v reached dispatch", ErrMalformedFrame, frame.Kind)
	}
}

func (sesh *Session) handleConnect(frame Frame) error {
	req, err := ParseConnect(frame.Payload)
	if err != nil {
		return err
	}

	id := frame.StreamID
	if id == controlStreamID {
		// stream 0 carries the connection-level credit grant; letting a peer
		// open a stream there would make any later per-stream grant wire
		// identical to the connection-level one
		return fmt.Errorf("%w: CONNECT on stream %v", ErrReservedStream, id)
	}

	sesh.streamsM.Lock()
	if _, dup := sesh.streams[id]; dup {
		sesh.streamsM.Unlock()
		// replacing the entry would orphan a live socket, so the duplicate
		// is rejected and the original stream is left untouched
		log.WithFields(log.Fields{
			"sessionId": sesh.id,
			"streamId":  id,
		}).Warn("rejecting CONNECT for an already open stream")
		return nil
	}
	sesh.streamsM.Unlock()

	if sesh.HostFilter != nil && !sesh.HostFilter(req.Host) {
		log.WithFields(log.Fields{
			"sessionId": sesh.id,
			"streamId":  id,
			"host":      req.Host,
		}).Info("refusing connection to a blocked host")
		return sesh.sendFrame(NewCloseFrame(id, ReasonHostBlocked))
	}

	addr := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))

	// dispatch is the only inserter, so the id checked above cannot reappear
	// between the unlock and here
	sesh.streamsM.Lock()
	out := dialOutbound(req.Family.network(), addr, sesh.Dialer, sesh.ConnectTimeout, sesh.OutboundQueueLen, outboundEvents{
		onData:  func(p []byte) { sesh.outboundData(id, p) },
		onError: func(err error) { sesh.outboundError(id, err) },
		onEOF:   func() { sesh.outboundEOF(id) },
	})
	sesh.streams[id] = &streamEntry{id: id, out: out, credit: sesh.InitialWindow}
	sesh.streamsM.Unlock()

	log.Tracef("stream %v of session %v opened towards %v", id, sesh.id, addr)
	return nil
}

func (sesh *Session) handleData(frame Frame) error {
	sesh.streamsM.Lock()
	entry, ok := sesh.streams[frame.StreamID]
	if !ok {
		sesh.streamsM.Unlock()
		return fmt.Errorf("%w: DATA for stream %v", ErrUnknownStream, frame.StreamID)
	}
	entry.credit--
	grant := entry.credit == 0
	if grant {
		entry.credit = sesh.InitialWindow
	}
	out := entry.out
	sesh.streamsM.Unlock()

	// charged only for frames the table accepted, so junk for dead streams
	// cannot drain the rate budget of live ones
	sesh.rxWait(len(frame.Payload))
	out.send(frame.Payload)
	sesh.AddRx(int64(len(frame.Payload)))

	if grant {
		return sesh.sendFrame(NewContinueFrame(frame.StreamID, sesh.InitialWindow))
	}
	return nil
}

func (sesh *Session) handleClose(frame Frame) {
	sesh.streamsM.Lock()
	entry, ok := sesh.streams[frame.StreamID]
	if ok {
		delete(sesh.streams, frame.StreamID)
	}
	sesh.streamsM.Unlock()
	if !ok {
		// already gone; closing a closed stream is not an error
		log.Tracef("session %v ignoring CLOSE for absent stream %v", sesh.id, frame.StreamID)
		return
	}
	entry.out.close()
	log.Tracef("stream %v of session %v closed by peer, reason 0x%02x", frame.StreamID, sesh.id, frame.Payload[0])
}

// outboundData relays bytes arriving on a stream's socket back to the peer.
func (sesh *Session) outboundData(streamID uint32, p []byte) {
	sesh.streamsM.Lock()
	_, live := sesh.streams[streamID]
	sesh.streamsM.Unlock()
	if !live {
		// the stream was torn down while this chunk was in flight
		return
	}

	sesh.txWait(len(p))
	if err := sesh.sendFrame(NewDataFrame(streamID, p)); err != nil {
		return
	}
	sesh.AddTx(int64(len(p)))
}

func (sesh *Session) outboundError(streamID uint32, err error) {
	if !sesh.removeStream(streamID) {
		return
	}
	log.WithFields(log.Fields{
		"sessionId": sesh.id,
		"streamId":  streamID,
	}).Debugf("outbound socket failed: %v", err)
	_ = sesh.sendFrame(NewCloseFrame(streamID, closeReason(err)))
}

func (sesh *Session) outboundEOF(streamID uint32) {
	if !sesh.removeStream(streamID) {
		return
	}
	log.Tracef("stream %v of session %v reached EOF on its outbound socket", streamID, sesh.id)
	_ = sesh.sendFrame(NewCloseFrame(streamID, ReasonVoluntary))
}

// removeStream drops a stream from the table and closes its adapter,
// reporting whether the stream was present.
func (sesh *Session) removeStream(streamID uint32) bool {
	sesh.streamsM.Lock()
	entry, ok := sesh.streams[streamID]
	if ok {
		delete(sesh.streams, streamID)
	}
	sesh.streamsM.Unlock()
	if ok {
		entry.out.close()
	}
	return ok
}

func closeReason(err error) uint8 {
	switch {
	case errors.Is(err, errConnectTimeout):
		return ReasonConnectTimeout
	case errors.Is(err, errConnectFailed):
		return ReasonConnectFailed
	default:
		return ReasonNetworkError
	}
}

func (sesh *Session) sendFrame(frame Frame) error {
	if sesh.IsClosed() {
		return ErrBrokenSession
	}
	sesh.writeM.Lock()
	err := sesh.transport.WriteMessage(MarshalFrame(frame))
	sesh.writeM.Unlock()
	if err != nil {
		sesh.SetTerminalMsg("failed to send to peer: " + err.Error())
		sesh.passiveClose()
		return err
	}
	return nil
}

// ActiveStreams reports the number of live streams in the table.
func (sesh *Session) ActiveStreams() int {
	sesh.streamsM.Lock()
	defer sesh.streamsM.Unlock()
	return len(sesh.streams)
}

func (sesh *Session) SetTerminalMsg(msg string) {
	sesh.terminalMsgSetter.Do(func() {
		log.Debugf("session %v terminal message set to: %v", sesh.id, msg)
		sesh.terminalMsg = msg
	})
}

func (sesh *Session) TerminalMsg() string {
	return sesh.terminalMsg
}

// closeSession force-closes every adapter and empties the stream table. No
// stream outlives its session.
func (sesh *Session) closeSession() error {
	if !atomic.CompareAndSwapUint32(&sesh.closed, 0, 1) {
		return errRepeatSessionClosing
	}
	sesh.streamsM.Lock()
	for id, entry := range sesh.streams {
		entry.out.close()
		delete(sesh.streams, id)
	}
	sesh.streamsM.Unlock()
	return nil
}

// passiveClose cleans up after the transport has already died underneath us.
func (sesh *Session) passiveClose() {
	if sesh.closeSession() != nil {
		return
	}
	_ = sesh.transport.Close()
	log.Debugf("session %v closed passively: %v", sesh.id, sesh.TerminalMsg())
}

// Close actively tears the session down, closing the transport connection.
// Closing the transport is the only fatal-condition signal the peer gets.
func (sesh *Session) Close() error {
	err := sesh.closeSession()
	if err != nil {
		return err
	}
	err = sesh.transport.Close()
	log.Debugf("session %v closed actively: %v", sesh.id, sesh.TerminalMsg())
	return err
}

func (sesh *Session) IsClosed() bool {
	return atomic.LoadUint32(&sesh.closed) == 1
}
