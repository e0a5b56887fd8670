package scheduler

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"

	"github.com/duplexws/duplexws/frame"
)

type (
	// Conn is the scheduler's view of a connection.
	Conn interface {
		ID() int
		// Ping sends a heartbeat ping.
		Ping() (int, error)
		// Close initiates a local close with code and reason.
		Close(code uint16, reason string) (int, error)
		// UnansweredPings is pings sent minus pongs received.
		UnansweredPings() int
		// TickSecond clears the per-second rate counters.
		TickSecond()
	}

	entry struct {
		c         Conn
		elem      *list.Element
		expiry    time.Time
		period    time.Duration
		pingLimit int
	}

	// Scheduler drives every connection of the process from a single
	// 1-second tick: it refreshes the shared coarse clock, clears rate
	// counters, releases throttle waiters and pings idle connections.
	// It starts with the first registered connection and stops after the
	// last one deregisters.
	Scheduler struct {
		sync.Mutex
		conns map[int]*entry
		// heartbeat expiry index: entries are removed and reinserted on
		// activity, so insertion order is expiry order.
		expiry  *list.List
		waiters *queue.Queue

		ticker *time.Ticker
		stopq  chan struct{}

		nowNanos int64
	}
)

const tickPeriod = time.Second

// New create a scheduler.
func New() *Scheduler {
	return &Scheduler{
		conns:   make(map[int]*entry),
		expiry:  list.New(),
		waiters: queue.New(),
	}
}

// Default is the process-wide scheduler.
var Default = New()

// Now returns the shared coarse clock, refreshed every tick.
func (s *Scheduler) Now() time.Time {
	if ns := atomic.LoadInt64(&s.nowNanos); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Now()
}

// Register add a connection. heartbeat enables the idle-ping schedule with
// the given period and unanswered-ping limit.
func (s *Scheduler) Register(c Conn, heartbeat bool, period time.Duration, pingLimit int) {
	now := time.Now()
	atomic.CompareAndSwapInt64(&s.nowNanos, 0, now.UnixNano())

	s.Lock()
	defer s.Unlock()

	e := &entry{c: c, period: period, pingLimit: pingLimit}
	s.conns[c.ID()] = e
	if heartbeat && period > 0 {
		e.expiry = now.Add(period)
		e.elem = s.expiry.PushBack(e)
	}

	if s.ticker == nil {
		s.ticker = time.NewTicker(tickPeriod)
		s.stopq = make(chan struct{})
		go s.run(s.ticker, s.stopq)
	}
}

// Deregister remove a connection; the last removal stops the tick.
func (s *Scheduler) Deregister(c Conn) {
	s.Lock()
	defer s.Unlock()

	e, ok := s.conns[c.ID()]
	if !ok {
		return
	}
	delete(s.conns, c.ID())
	if e.elem != nil {
		s.expiry.Remove(e.elem)
		e.elem = nil
	}

	if len(s.conns) == 0 && s.ticker != nil {
		s.ticker.Stop()
		close(s.stopq)
		s.ticker = nil
		s.stopq = nil
	}
}

// Touch refresh a connection's heartbeat expiry after inbound activity,
// making its entry the newest in the index.
func (s *Scheduler) Touch(c Conn) {
	s.Lock()
	defer s.Unlock()

	e, ok := s.conns[c.ID()]
	if !ok || e.elem == nil {
		return
	}
	s.expiry.Remove(e.elem)
	e.expiry = s.Now().Add(e.period)
	e.elem = s.expiry.PushBack(e)
}

// Throttle register a rate-limit waiter; the returned channel is closed on
// the next tick, when the per-second budgets reset.
func (s *Scheduler) Throttle() <-chan struct{} {
	ch := make(chan struct{})
	s.Lock()
	s.waiters.Add(ch)
	s.Unlock()
	return ch
}

// Active returns the number of registered connections.
func (s *Scheduler) Active() int {
	s.Lock()
	defer s.Unlock()
	return len(s.conns)
}

func (s *Scheduler) run(ticker *time.Ticker, stopq chan struct{}) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithField("domain", "scheduler").Debug("tick started")
	}
	for {
		select {
		case <-stopq:
			if log.IsLevelEnabled(log.DebugLevel) {
				log.WithField("domain", "scheduler").Debug("tick stopped")
			}
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	atomic.StoreInt64(&s.nowNanos, now.UnixNano())

	var (
		toPing  []*entry
		toClose []*entry
	)

	s.Lock()
	for _, e := range s.conns {
		e.c.TickSecond()
	}
	for s.waiters.Length() > 0 {
		close(s.waiters.Remove().(chan struct{}))
	}
	// walk oldest-first, stop at the first live entry
	for el := s.expiry.Front(); el != nil; {
		e := el.Value.(*entry)
		if e.expiry.After(now) {
			break
		}
		next := el.Next()
		s.expiry.Remove(el)
		e.elem = nil
		if e.c.UnansweredPings() > e.pingLimit {
			toClose = append(toClose, e)
		} else {
			e.expiry = now.Add(e.period)
			e.elem = s.expiry.PushBack(e)
			toPing = append(toPing, e)
		}
		el = next
	}
	s.Unlock()

	// socket writes happen outside the scheduler lock
	for _, e := range toClose {
		log.WithField("domain", "scheduler").
			WithField("id", e.c.ID()).
			Warn("unanswered ping limit exceeded")
		e.c.Close(frame.CodePolicyViolation, "Exceeded unanswered PING limit")
	}
	for _, e := range toPing {
		if _, err := e.c.Ping(); err != nil {
			if log.IsLevelEnabled(log.DebugLevel) {
				log.WithField("domain", "scheduler").
					WithField("id", e.c.ID()).
					WithError(err).Debug("heartbeat ping failed")
			}
		}
	}
}
