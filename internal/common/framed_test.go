package common

import (
	"bytes"
	"testing"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
)

func TestFramedConnRoundTrip(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	a := NewFramedConn(local, 1024)
	b := NewFramedConn(remote, 1024)

	messages := [][]byte{
		[]byte("first"),
		{},
		[]byte("a somewhat longer third message with nothing interesting in it"),
	}
	for _, msg := range messages {
		assert.NoError(t, a.WriteMessage(msg))
	}
	for _, want := range messages {
		got, err := b.ReadMessage()
		assert.NoError(t, err)
		assert.True(t, bytes.Equal(want, got))
	}
}

func TestFramedConnRejectsOversizedMessage(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	a := NewFramedConn(local, 1024)
	b := NewFramedConn(remote, 16)

	assert.NoError(t, a.WriteMessage(make([]byte, 17)))
	_, err := b.ReadMessage()
	assert.Error(t, err)
}

func TestFramedConnInterleavedDirections(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	a := NewFramedConn(local, 1024)
	b := NewFramedConn(remote, 1024)

	assert.NoError(t, a.WriteMessage([]byte("ping")))
	got, err := b.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	assert.NoError(t, b.WriteMessage([]byte("pong")))
	got, err = a.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}
