package duplexws

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/duplexws/duplexws/errs"
	"github.com/duplexws/duplexws/frame"
	"github.com/duplexws/duplexws/message"
	"github.com/duplexws/duplexws/options"
	"github.com/duplexws/duplexws/scheduler"
	"github.com/duplexws/duplexws/utils"
)

type (
	connection struct {
		id   int
		conn net.Conn
		role Role
		cfg  config
		comp Compressor

		sched  *scheduler.Scheduler
		parser *frame.Parser

		// outbound writes are totally ordered under sendMu
		sendMu sync.Mutex

		// inbound delivery
		recvq    chan *message.Message
		recvBusy int32

		// message in assembly, owned by the read loop; close fails it
		asmMu      sync.Mutex
		assembling *message.Message

		// per-second inbound budgets, cleared by the scheduler tick
		bytesInSec  int64
		framesInSec int64

		// close state
		closeMu       sync.Mutex
		closing       bool
		finished      bool
		closeCode     uint16
		closeReason   string
		peerInitiated bool
		callbacks     []CloseHandler
		closedq       chan struct{} // closed entering CLOSING
		peerCloseq    chan struct{} // closed when the peer's CLOSE arrives
		closeSentq    chan struct{} // closed once the local CLOSE frame is out
		doneq         chan struct{} // closed entering CLOSED
		finishOnce    sync.Once
		peerCloseOnce sync.Once
		closeSentOnce sync.Once

		infoMu sync.Mutex
		info   Info
	}
)

var connIDs = utils.NewConnIDGenerator()

// New create a connection over an established stream. The stream must be
// connected and is owned exclusively by the returned connection.
func New(c net.Conn, role Role, ovs options.Options) Connection {
	return NewWithCompression(c, role, nil, ovs)
}

// NewWithCompression create a connection carrying a negotiated compression
// capability. comp may be nil.
func NewWithCompression(c net.Conn, role Role, comp Compressor, ovs options.Options) Connection {
	return newConnection(c, role, comp, ovs, scheduler.Default)
}

func newConnection(c net.Conn, role Role, comp Compressor, ovs options.Options, sched *scheduler.Scheduler) *connection {
	cfg := newConfig(ovs)

	var compRSV byte
	if comp != nil {
		compRSV = comp.RSVBit()
	}
	conn := &connection{
		id:   connIDs.NextID(),
		conn: c,
		role: role,
		cfg:  cfg,
		comp: comp,

		sched: sched,
		parser: frame.NewParser(frame.ParserConfig{
			FrameSizeLimit:   cfg.frameSizeLimit,
			MessageSizeLimit: cfg.messageSizeLimit,
			ExpectMasked:     !role.masks(),
			CompressionRSV:   compRSV,
			TextOnly:         cfg.textOnly,
		}),

		recvq:      make(chan *message.Message, cfg.recvQueueSize),
		closedq:    make(chan struct{}),
		peerCloseq: make(chan struct{}),
		closeSentq: make(chan struct{}),
		doneq:      make(chan struct{}),
	}
	conn.initInfo()

	sched.Register(conn, cfg.heartbeat, cfg.heartbeatPeriod, cfg.queuedPingLimit)
	go conn.recvLoop()

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithField("domain", "connection").
			WithFields(log.Fields{"id": conn.id, "role": role.String(), "remote": conn.info.RemoteAddr}).
			Debug("connection opened")
	}
	return conn
}

func (c *connection) ID() int {
	return c.id
}

func (c *connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *connection) TLSState() *tls.ConnectionState {
	if tc, ok := c.conn.(*tls.Conn); ok {
		state := tc.ConnectionState()
		return &state
	}
	return nil
}

func (c *connection) IsConnected() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return !c.closing
}

// Recv returns the next inbound message, oldest first, or (nil, nil) once
// the connection closed.
func (c *connection) Recv() (*message.Message, error) {
	if !atomic.CompareAndSwapInt32(&c.recvBusy, 0, 1) {
		return nil, errs.ErrRecvBusy
	}
	defer atomic.StoreInt32(&c.recvBusy, 0)

	select {
	case <-c.closedq:
		return nil, nil
	default:
	}
	select {
	case m := <-c.recvq:
		return m, nil
	case <-c.closedq:
		return nil, nil
	}
}

// UnansweredPings is pings sent minus pongs received, consulted by the
// scheduler's heartbeat walk.
func (c *connection) UnansweredPings() int {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return int(c.info.PingCount - c.info.PongCount)
}

// TickSecond clears the per-second inbound budgets.
func (c *connection) TickSecond() {
	atomic.StoreInt64(&c.bytesInSec, 0)
	atomic.StoreInt64(&c.framesInSec, 0)
}
