package server

import (
	"time"

	"github.com/eapache/queue"
	"github.com/legamerdc/shotpoll/poller"
)

type idleEntry struct {
	key      poller.Key
	deadline time.Time
}

// idleReaper 按接入顺序保存连接的到期时间。
// 仍活跃的连接在到期检查时按最近活跃时间重新入队，
// 因此队列只是近似有序，实际回收最迟发生在 2*timeout。
type idleReaper struct {
	timeout time.Duration
	q       *queue.Queue
}

func newIdleReaper(timeout time.Duration) *idleReaper {
	return &idleReaper{timeout: timeout, q: queue.New()}
}

func (r *idleReaper) track(key poller.Key, now time.Time) {
	r.q.Add(idleEntry{key: key, deadline: now.Add(r.timeout)})
}

func (r *idleReaper) len() int { return r.q.Length() }

func (s *Server) reapIdle() {
	r := s.idle
	now := s.now()
	for r.q.Length() > 0 {
		e := r.q.Peek().(idleEntry)
		if now.Before(e.deadline) {
			return
		}
		r.q.Remove()
		c, ok := s.conns.Get(e.key)
		if !ok {
			continue
		}
		if next := c.lastActive.Add(r.timeout); now.Before(next) {
			r.q.Add(idleEntry{key: e.key, deadline: next})
			continue
		}
		s.stats.Evicted++
		s.abort(c, ErrIdleTimeout)
	}
}
