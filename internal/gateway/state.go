package gateway

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telikos/wispgate/internal/common"
	mux "github.com/telikos/wispgate/internal/multiplex"
)

type rawConfig struct {
	// addresses serving the WebSocket endpoint
	BindAddr []string
	// HTTP path of the WebSocket endpoint
	WSPath string
	// addresses serving length-prefixed frames over raw TCP, if any
	RawBindAddr []string
	// address of the local stats API, if any
	StatsAddr string

	InitialWindow      uint32
	ConnectTimeoutSecs int
	DialTimeoutSecs    int
	MaxDataPayload     int
	OutboundQueueLen   int

	// bytes per second for all sessions combined; 0 means unlimited
	RxRate int64
	TxRate int64

	BlocklistPath string
}

// State stores the global state of the gateway: resolved listen addresses,
// the session config prototype, the shared valve and the live session
// registry that feeds the stats API.
type State struct {
	BindAddr    []net.Addr
	RawBindAddr []net.Addr
	WSPath      string
	StatsAddr   string

	SessionConfig mux.SessionConfig

	Blocklist *Blocklist

	nextSessionID uint32

	sessionsM sync.Mutex
	sessions  map[uint32]*mux.Session
}

// ParseConfig reads conf as a path to a JSON configuration file, or, failing
// that, as the configuration content itself.
func ParseConfig(conf string) (raw rawConfig, err error) {
	content, errPath := ioutil.ReadFile(conf)
	if errPath != nil {
		// not a readable file: take the argument as the content itself
		content = []byte(conf)
	}
	err = json.Unmarshal(content, &raw)
	if err != nil {
		return raw, fmt.Errorf("parsing config: %v", err)
	}
	if len(raw.BindAddr) == 0 && len(raw.RawBindAddr) == 0 {
		return raw, fmt.Errorf("parsing config: no BindAddr or RawBindAddr to listen on")
	}
	if raw.WSPath == "" {
		raw.WSPath = "/"
	}
	return raw, nil
}

func InitState(raw rawConfig) (*State, error) {
	sta := &State{
		WSPath:    raw.WSPath,
		StatsAddr: raw.StatsAddr,
		sessions:  map[uint32]*mux.Session{},
	}

	var err error
	sta.BindAddr, err = resolveBindAddr(raw.BindAddr)
	if err != nil {
		return nil, err
	}
	sta.RawBindAddr, err = resolveBindAddr(raw.RawBindAddr)
	if err != nil {
		return nil, err
	}

	valve := mux.UNLIMITED_VALVE
	if raw.RxRate > 0 || raw.TxRate > 0 {
		rx, tx := raw.RxRate, raw.TxRate
		if rx <= 0 {
			rx = 1<<63 - 1
		}
		if tx <= 0 {
			tx = 1<<63 - 1
		}
		valve = mux.MakeValve(rx, tx)
	}

	dialTimeout := 10 * time.Second
	if raw.DialTimeoutSecs > 0 {
		dialTimeout = time.Duration(raw.DialTimeoutSecs) * time.Second
	}

	sta.SessionConfig = mux.SessionConfig{
		Valve:            valve,
		Dialer:           common.NewTCPDialer(dialTimeout),
		InitialWindow:    raw.InitialWindow,
		ConnectTimeout:   time.Duration(raw.ConnectTimeoutSecs) * time.Second,
		MaxDataPayload:   raw.MaxDataPayload,
		OutboundQueueLen: raw.OutboundQueueLen,
	}

	if raw.BlocklistPath != "" {
		sta.Blocklist, err = LoadBlocklist(raw.BlocklistPath)
		if err != nil {
			return nil, err
		}
		sta.SessionConfig.HostFilter = func(host string) bool { return !sta.Blocklist.Blocked(host) }
	}

	return sta, nil
}

func resolveBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

func (sta *State) nextID() uint32 {
	return atomic.AddUint32(&sta.nextSessionID, 1)
}

func (sta *State) registerSession(id uint32, sesh *mux.Session) {
	sta.sessionsM.Lock()
	sta.sessions[id] = sesh
	sta.sessionsM.Unlock()
}

func (sta *State) unregisterSession(id uint32) {
	sta.sessionsM.Lock()
	delete(sta.sessions, id)
	sta.sessionsM.Unlock()
}

// SessionCount reports the number of live sessions, StreamCount the number of
// live streams across all of them.
func (sta *State) SessionCount() int {
	sta.sessionsM.Lock()
	defer sta.sessionsM.Unlock()
	return len(sta.sessions)
}

func (sta *State) StreamCount() int {
	sta.sessionsM.Lock()
	defer sta.sessionsM.Unlock()
	var n int
	for _, sesh := range sta.sessions {
		n += sesh.ActiveStreams()
	}
	return n
}
