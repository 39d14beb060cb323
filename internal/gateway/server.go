package gateway

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/telikos/wispgate/internal/common"
	mux "github.com/telikos/wispgate/internal/multiplex"
)

// room for the frame header and non-DATA payloads on top of the DATA cap
const frameSizeSlack = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// the gateway performs no origin policing; anything able to reach the
	// endpoint may open a session
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades each HTTP request into a WebSocket transport connection
// and serves one session over it until the connection dies.
func (sta *State) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithField("remoteAddr", r.RemoteAddr).Infof("failed to upgrade: %v", err)
			return
		}
		sta.serveTransport(common.NewWebSocketConn(wsConn), r.RemoteAddr)
	})
}

// Serve accepts raw TCP transport connections carrying length-prefixed
// frames. Transient Accept errors back off exponentially instead of spinning.
func Serve(l net.Listener, sta *State) {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			d := b.Duration()
			log.Errorf("%v, retrying in %v", err, d)
			time.Sleep(d)
			continue
		}
		b.Reset()
		maxMessage := sta.SessionConfig.MaxDataPayload
		if maxMessage <= 0 {
			maxMessage = mux.DefaultMaxDataPayload
		}
		go sta.serveTransport(common.NewFramedConn(conn, maxMessage+frameSizeSlack), conn.RemoteAddr().String())
	}
}

func (sta *State) serveTransport(transport mux.Transport, remoteAddr string) {
	id := sta.nextID()
	sesh := mux.MakeSession(id, transport, sta.SessionConfig)
	sta.registerSession(id, sesh)
	defer sta.unregisterSession(id)

	log.WithFields(log.Fields{
		"sessionId":  id,
		"remoteAddr": remoteAddr,
	}).Info("transport connection established")

	if err := sesh.Run(); err != nil {
		log.WithFields(log.Fields{
			"sessionId":  id,
			"remoteAddr": remoteAddr,
		}).Warnf("session ended with error: %v", err)
	} else {
		log.WithFields(log.Fields{
			"sessionId":  id,
			"remoteAddr": remoteAddr,
		}).Infof("session ended: %v", sesh.TerminalMsg())
	}
}
