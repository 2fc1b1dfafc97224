package pool

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

// ErrNoIdleConn is returned by Get when no pooled connection can be reused;
// the caller must open a fresh physical connection.
var ErrNoIdleConn = errors.New("no idle connection")

// Conn is a pooled backend connection. The pool only needs the owning
// username, the raw socket for idle detection, and a way to dispose of it.
type Conn interface {
	User() string
	Raw() net.Conn
	Close() error
}

// Options tunes the per-backend pool watermarks.
type Options struct {
	MinIdle     int           // queues longer than this are robbing donors
	MidIdle     int           // above this, the reduce-conns policy may close instead of pool
	MaxIdle     int           // hard cap on pooled connections per backend
	IdleTimeout time.Duration // pooled connections older than this are evicted
}

// DefaultOptions mirrors the historical defaults.
func DefaultOptions() Options {
	return Options{
		MinIdle:     1,
		MidIdle:     10,
		MaxIdle:     20,
		IdleTimeout: 30 * time.Minute,
	}
}

type entry struct {
	conn Conn
	stop chan struct{}
	done chan struct{}
}

// Pool keeps idle backend connections grouped by the username they are
// authenticated as. Reuse is most-recently-used within a user's queue for
// session and cache locality on the backend.
type Pool struct {
	mu      sync.Mutex
	users   map[string][]*entry // index 0 is the head
	curIdle int
	deficit int // evictions not yet compensated by a fresh connection
	opts    Options
}

// New creates an empty pool.
func New(opts Options) *Pool {
	if opts.MaxIdle <= 0 {
		opts = DefaultOptions()
	}
	return &Pool{
		users: make(map[string][]*entry),
		opts:  opts,
	}
}

// Get returns an idle connection for user. If the user's own queue is empty
// it may rob a connection authenticated as a different user, provided that
// donor queue holds more than MinIdle connections; robbed is true in that
// case and the caller must re-authenticate the connection before use.
func (p *Pool) Get(user string) (c Conn, robbed bool, err error) {
	p.mu.Lock()

	if queue := p.users[user]; len(queue) > 0 {
		e := p.popHead(user)
		p.mu.Unlock()
		p.release(e)
		return e.conn, false, nil
	}

	// Rob the first user whose queue can spare a connection. Map order is
	// not deterministic; any eligible donor is acceptable.
	for donor, queue := range p.users {
		if donor == user {
			continue
		}
		if len(queue) > p.opts.MinIdle {
			e := p.popHead(donor)
			p.mu.Unlock()
			p.release(e)
			return e.conn, true, nil
		}
	}

	p.mu.Unlock()
	return nil, false, ErrNoIdleConn
}

// Add pools an idle connection at the head of its user's queue and arms the
// idle watch. The caller must have decided eligibility already; Add only
// enforces the MaxIdle cap.
func (p *Pool) Add(c Conn) bool {
	p.mu.Lock()
	if p.curIdle >= p.opts.MaxIdle {
		p.mu.Unlock()
		c.Close()
		return false
	}
	e := &entry{
		conn: c,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	user := c.User()
	p.users[user] = append([]*entry{e}, p.users[user]...)
	p.curIdle++
	p.mu.Unlock()

	go p.watch(e)
	return true
}

// popHead removes and returns the head entry of user's queue.
// Caller holds p.mu.
func (p *Pool) popHead(user string) *entry {
	queue := p.users[user]
	e := queue[0]
	if len(queue) == 1 {
		delete(p.users, user)
	} else {
		p.users[user] = queue[1:]
	}
	p.curIdle--
	return e
}

// release stops the idle watch of a checked-out entry and clears the read
// deadline the watch left behind.
func (p *Pool) release(e *entry) {
	close(e.stop)
	e.conn.Raw().SetReadDeadline(time.Now())
	<-e.done
	e.conn.Raw().SetReadDeadline(time.Time{})
}

// watch waits for the idle timeout or for the backend to send or close.
// Either way the connection is unusable as a pooled entry and is evicted.
// Server-side wait_timeout shows up here as readable-with-error.
func (p *Pool) watch(e *entry) {
	defer close(e.done)

	raw := e.conn.Raw()
	raw.SetReadDeadline(time.Now().Add(p.opts.IdleTimeout))
	buf := make([]byte, 1)
	_, readErr := raw.Read(buf)

	select {
	case <-e.stop:
		return
	default:
	}

	p.mu.Lock()
	removed := p.removeEntry(e)
	if removed {
		p.deficit++
	}
	p.mu.Unlock()

	if removed {
		if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
			log.Printf("[Pool] Evicting idle connection for %q: idle timeout", e.conn.User())
		} else {
			log.Printf("[Pool] Evicting idle connection for %q: closed by backend", e.conn.User())
		}
		e.conn.Close()
	}
}

// removeEntry unlinks e wherever it sits. Caller holds p.mu.
func (p *Pool) removeEntry(e *entry) bool {
	user := e.conn.User()
	queue := p.users[user]
	for i, cand := range queue {
		if cand == e {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(p.users, user)
			} else {
				p.users[user] = queue
			}
			p.curIdle--
			return true
		}
	}
	return false
}

// ShouldReduce reports whether, under the reduce-conns policy, a connection
// about to be pooled should be closed instead: idle capacity already exceeds
// the mid watermark while fewer clients than that are even connected.
func (p *Pool) ShouldReduce(connectedClients int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curIdle > p.opts.MidIdle && connectedClients < p.curIdle
}

// IdleCount returns the number of pooled connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curIdle
}

// UserIdleCount returns the number of pooled connections for one user.
func (p *Pool) UserIdleCount(user string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users[user])
}

// TakeDeficit returns how many pooled connections were lost to eviction
// since the last call, so the owner can open replacements.
func (p *Pool) TakeDeficit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.deficit
	p.deficit = 0
	return n
}

// Close evicts and closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	var all []*entry
	for _, queue := range p.users {
		all = append(all, queue...)
	}
	p.users = make(map[string][]*entry)
	p.curIdle = 0
	p.mu.Unlock()

	for _, e := range all {
		p.release(e)
		e.conn.Close()
	}
}
