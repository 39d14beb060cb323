package multiplex

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/telikos/wispgate/internal/common"
)

var errConnectFailed = errors.New("outbound connect failed")
var errConnectTimeout = errors.New("outbound connect timed out")
var errSendQueueFull = errors.New("outbound send queue overflowed")

const outboundReadBufferSize = 32 * 1024

// outboundEvents are invoked from the adapter's own goroutines. The session
// funnels them through its stream table lock before anything else happens.
// onError and onEOF fire at most once between them; a late onData may race a
// teardown and receivers must tolerate one arriving for a dead stream.
type outboundEvents struct {
	onData  func([]byte)
	onError func(error)
	onEOF   func()
}

// outbound bridges one logical stream to a real socket. The dial is
// asynchronous: dialOutbound returns immediately and the session learns the
// outcome only through the event callbacks. send never blocks; bytes sent
// before the dial resolves are queued until the socket is ready.
type outbound struct {
	network     string
	addr        string
	dialer      common.Dialer
	dialTimeout time.Duration
	events      outboundEvents

	sendQ chan []byte
	die   chan struct{}

	connM  sync.Mutex
	conn   net.Conn
	closed bool
}

func dialOutbound(network, addr string, dialer common.Dialer, dialTimeout time.Duration, queueLen int, events outboundEvents) *outbound {
	ob := &outbound{
		network:     network,
		addr:        addr,
		dialer:      dialer,
		dialTimeout: dialTimeout,
		events:      events,
		sendQ:       make(chan []byte, queueLen),
		die:         make(chan struct{}),
	}
	go ob.dial()
	return ob
}

// send hands bytes to the socket's write path and returns immediately. The
// queue is sized at least one credit window, so a peer that respects its
// credit cannot overflow it; overflow is reported as a stream error.
func (ob *outbound) send(p []byte) {
	select {
	case <-ob.die:
	case ob.sendQ <- p:
	default:
		ob.fail(fmt.Errorf("%w: %v frames pending", errSendQueueFull, cap(ob.sendQ)))
	}
}

// close tears the socket down. Idempotent, never fails.
func (ob *outbound) close() {
	ob.teardown()
}

// fail tears the socket down and reports err, unless the adapter is already
// dead.
func (ob *outbound) fail(err error) {
	if ob.teardown() {
		ob.events.onError(err)
	}
}

func (ob *outbound) eof() {
	if ob.teardown() {
		ob.events.onEOF()
	}
}

// teardown closes the adapter exactly once, returning whether this call was
// the one that closed it.
func (ob *outbound) teardown() bool {
	ob.connM.Lock()
	defer ob.connM.Unlock()
	if ob.closed {
		return false
	}
	ob.closed = true
	close(ob.die)
	if ob.conn != nil {
		_ = ob.conn.Close()
	}
	return true
}

// install records the freshly dialled socket. A false return means the
// adapter was closed while dialling and the caller must discard the socket.
func (ob *outbound) install(conn net.Conn) bool {
	ob.connM.Lock()
	defer ob.connM.Unlock()
	if ob.closed {
		return false
	}
	ob.conn = conn
	return true
}

func (ob *outbound) dial() {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := ob.dialer.Dial(ob.network, ob.addr)
		resultCh <- dialResult{conn, err}
	}()

	// discard a socket whose dial resolved after we stopped waiting for it;
	// the collector goroutine exits once the Dialer returns, which the
	// Dialer contract requires it to do unaided
	abandon := func() {
		go func() {
			if r := <-resultCh; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(ob.dialTimeout)
	defer timer.Stop()

	var conn net.Conn
	select {
	case r := <-resultCh:
		if r.err != nil {
			ob.fail(fmt.Errorf("%w: %v", errConnectFailed, r.err))
			return
		}
		conn = r.conn
	case <-timer.C:
		abandon()
		ob.fail(errConnectTimeout)
		return
	case <-ob.die:
		abandon()
		return
	}

	if !ob.install(conn) {
		_ = conn.Close()
		return
	}
	go ob.writeLoop(conn)
	ob.readLoop(conn)
}

func (ob *outbound) writeLoop(conn net.Conn) {
	for {
		select {
		case p := <-ob.sendQ:
			var offset int
			for offset < len(p) {
				n, err := conn.Write(p[offset:])
				if err != nil {
					ob.fail(err)
					return
				}
				offset += n
			}
		case <-ob.die:
			return
		}
	}
}

func (ob *outbound) readLoop(conn net.Conn) {
	buf := make([]byte, outboundReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ob.events.onData(chunk)
		}
		if err != nil {
			if err == io.EOF {
				ob.eof()
			} else {
				ob.fail(err)
			}
			return
		}
	}
}
