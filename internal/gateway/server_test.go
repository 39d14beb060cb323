package gateway

import (
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/telikos/wispgate/internal/common"
	mux "github.com/telikos/wispgate/internal/multiplex"
)

func serveEcho(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			_, _ = io.Copy(conn, conn)
		}(conn)
	}
}

func startEchoServer(t *testing.T) (host string, port uint16) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go serveEcho(l)
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

func nextFrame(t *testing.T, transport mux.Transport) mux.Frame {
	t.Helper()
	msg, err := transport.ReadMessage()
	if err != nil {
		t.Fatalf("reading from the gateway: %v", err)
	}
	frame, err := mux.UnmarshalFrame(msg, 0)
	if err != nil {
		t.Fatalf("gateway emitted an undecodable frame: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, transport mux.Transport, frame mux.Frame) {
	t.Helper()
	if err := transport.WriteMessage(mux.MarshalFrame(frame)); err != nil {
		t.Fatalf("writing to the gateway: %v", err)
	}
}

// exerciseGateway speaks the protocol over an established transport: expects
// the greeting, opens a stream to the echo server, relays a payload both
// ways, then closes the stream.
func exerciseGateway(t *testing.T, sta *State, transport mux.Transport) {
	greeting := nextFrame(t, transport)
	assert.Equal(t, mux.FrameContinue, greeting.Kind)
	assert.Equal(t, uint32(0), greeting.StreamID)

	host, port := startEchoServer(t)
	sendFrame(t, transport, mux.NewConnectFrame(3, mux.ConnectRequest{
		Family: mux.FamilyTCP,
		Port:   port,
		Host:   host,
	}))
	sendFrame(t, transport, mux.NewDataFrame(3, []byte("echo me")))

	reply := nextFrame(t, transport)
	assert.Equal(t, mux.FrameData, reply.Kind)
	assert.Equal(t, uint32(3), reply.StreamID)
	assert.Equal(t, []byte("echo me"), reply.Payload)

	assert.Eventually(t, func() bool { return sta.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	sendFrame(t, transport, mux.NewCloseFrame(3, mux.ReasonVoluntary))
	assert.Eventually(t, func() bool { return sta.StreamCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketGateway(t *testing.T) {
	sta := makeTestState(t)
	server := httptest.NewServer(sta.WSHandler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	transport := common.NewWebSocketConn(wsConn)
	defer transport.Close()

	assert.Eventually(t, func() bool { return sta.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	exerciseGateway(t, sta, transport)

	transport.Close()
	assert.Eventually(t, func() bool { return sta.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFramedGateway(t *testing.T) {
	sta := makeTestState(t)
	local, remote := connutil.AsyncPipe()
	go sta.serveTransport(common.NewFramedConn(remote, mux.DefaultMaxDataPayload+frameSizeSlack), "pipe")
	transport := common.NewFramedConn(local, mux.DefaultMaxDataPayload+frameSizeSlack)
	defer transport.Close()

	exerciseGateway(t, sta, transport)
}
