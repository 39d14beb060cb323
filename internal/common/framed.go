package common

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// FramedConn carries discrete messages over a plain byte-stream connection by
// prefixing each one with a 4-byte little-endian length. It serves
// deployments that terminate the gateway protocol on a raw TCP socket
// instead of a WebSocket.
type FramedConn struct {
	conn net.Conn

	readM  sync.Mutex
	writeM sync.Mutex

	// largest message accepted from the wire; writes are not bounded
	maxMessageSize int

	lenBuf [4]byte
}

func NewFramedConn(conn net.Conn, maxMessageSize int) *FramedConn {
	return &FramedConn{
		conn:           conn,
		maxMessageSize: maxMessageSize,
	}
}

func (fc *FramedConn) ReadMessage() ([]byte, error) {
	fc.readM.Lock()
	defer fc.readM.Unlock()

	if _, err := io.ReadFull(fc.conn, fc.lenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := int(binary.LittleEndian.Uint32(fc.lenBuf[:]))
	if msgLen > fc.maxMessageSize {
		return nil, fmt.Errorf("message of %v bytes exceeds the %v byte limit", msgLen, fc.maxMessageSize)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(fc.conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (fc *FramedConn) WriteMessage(p []byte) error {
	buf := make([]byte, 4+len(p))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(p)))
	copy(buf[4:], p)

	fc.writeM.Lock()
	defer fc.writeM.Unlock()
	var offset int
	for offset < len(buf) {
		n, err := fc.conn.Write(buf[offset:])
		if err != nil {
			return err
		}
		offset += n
	}
	return nil
}

func (fc *FramedConn) Close() error {
	return fc.conn.Close()
}
