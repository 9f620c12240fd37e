package server

import (
	"net"
	"testing"
	"time"

	"github.com/legamerdc/shotpoll/poller"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

type fakeReg struct {
	key   poller.Key
	armed poller.Interest
}

// fakePoller 在内存中模拟 one-shot：fire 之后注册失效，直到 Mod 重新武装。
type fakePoller struct {
	regs    map[int]*fakeReg
	pending []poller.Event
	adds    map[int]int
	dels    map[int]int
	addErr  error
	modErr  map[int]error
	waitErr error
	wakes   int
	closed  int
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		regs:   make(map[int]*fakeReg),
		adds:   make(map[int]int),
		dels:   make(map[int]int),
		modErr: make(map[int]error),
	}
}

func (p *fakePoller) Add(fd int, key poller.Key, in poller.Interest) error {
	if in == poller.InterestNone {
		return poller.ErrInvalidInterest
	}
	if _, ok := p.regs[fd]; ok {
		return unix.EEXIST
	}
	if p.addErr != nil {
		return p.addErr
	}
	p.adds[fd]++
	p.regs[fd] = &fakeReg{key: key, armed: in}
	return nil
}

func (p *fakePoller) Mod(fd int, key poller.Key, in poller.Interest) error {
	if in == poller.InterestNone {
		return poller.ErrInvalidInterest
	}
	r, ok := p.regs[fd]
	if !ok {
		return unix.ENOENT
	}
	if err := p.modErr[fd]; err != nil {
		return err
	}
	r.key = key
	r.armed = in
	return nil
}

func (p *fakePoller) Del(fd int) error {
	if _, ok := p.regs[fd]; !ok {
		return unix.ENOENT
	}
	delete(p.regs, fd)
	p.dels[fd]++
	return nil
}

func (p *fakePoller) Wait(events []poller.Event, timeoutMs int) (int, error) {
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	n := copy(events, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePoller) Wake() error {
	p.wakes++
	return nil
}

func (p *fakePoller) Close() error {
	p.closed++
	return nil
}

// fire 让已武装的 fd 产生一次事件并解除武装。
func (p *fakePoller) fire(fd int) bool {
	r, ok := p.regs[fd]
	if !ok || r.armed == poller.InterestNone {
		return false
	}
	p.pending = append(p.pending, poller.Event{
		Key:      r.key,
		Readable: r.armed == poller.InterestRead,
		Writable: r.armed == poller.InterestWrite,
	})
	r.armed = poller.InterestNone
	return true
}

func (p *fakePoller) inject(ev poller.Event) {
	p.pending = append(p.pending, ev)
}

type readResult struct {
	data []byte
	err  error
}

type fakeSocket struct {
	fd        int
	reads     []readResult
	written   [][]byte
	writeErr  error
	shutdowns int
	closes    int
}

func (s *fakeSocket) FD() int { return s.fd }

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, unix.EAGAIN
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(p, r.data), nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.written = append(s.written, append([]byte(nil), p...))
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return len(p), nil
}

func (s *fakeSocket) Shutdown() error {
	s.shutdowns++
	return nil
}

func (s *fakeSocket) Close() error {
	s.closes++
	return nil
}

func (s *fakeSocket) feed(chunks ...string) *fakeSocket {
	for _, c := range chunks {
		s.reads = append(s.reads, readResult{data: []byte(c)})
	}
	return s
}

type acceptResult struct {
	sock *fakeSocket
	err  error
}

type fakeListener struct {
	fd      int
	backlog []acceptResult
	closes  int
}

func (l *fakeListener) FD() int { return l.fd }

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (l *fakeListener) Close() error {
	l.closes++
	return nil
}

func (l *fakeListener) Accept() (socket, net.Addr, error) {
	if len(l.backlog) == 0 {
		return nil, nil, unix.EAGAIN
	}
	r := l.backlog[0]
	l.backlog = l.backlog[1:]
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.sock, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + r.sock.fd}, nil
}

type harness struct {
	t    *testing.T
	srv  *Server
	pl   *fakePoller
	ln   *fakeListener
	logs *observer.ObservedLogs
	now  time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		t:    t,
		pl:   newFakePoller(),
		ln:   &fakeListener{fd: 3},
		logs: logs,
		now:  time.Unix(1700000000, 0),
	}
	srv, err := newServer(cfg, zap.New(core), h.pl, h.ln)
	require.NoError(t, err)
	srv.now = func() time.Time { return h.now }
	h.srv = srv
	return h
}

// step 触发 fd 上已武装的事件并执行一轮循环
func (h *harness) step(fd int) {
	h.t.Helper()
	require.True(h.t, h.pl.fire(fd), "fd %d is not armed", fd)
	require.NoError(h.t, h.srv.poll(0))
	h.checkArmed()
}

func (h *harness) connect(sock *fakeSocket) poller.Key {
	h.t.Helper()
	h.ln.backlog = append(h.ln.backlog, acceptResult{sock: sock})
	h.step(h.ln.fd)
	return h.srv.nextKey
}

// checkArmed 校验每个存活连接恰好武装了一种关注，且与 poller 中的注册一致。
func (h *harness) checkArmed() {
	h.t.Helper()
	for _, key := range h.srv.conns.Keys() {
		c, _ := h.srv.conns.Get(key)
		require.Contains(h.t, []poller.Interest{poller.InterestRead, poller.InterestWrite}, c.armed, "key %d", key)
		reg, ok := h.pl.regs[c.sock.FD()]
		require.True(h.t, ok, "key %d not registered", key)
		require.Equal(h.t, c.armed, reg.armed, "key %d", key)
		require.Equal(h.t, key, reg.key)
	}
	if !h.srv.stopping.Load() {
		require.Equal(h.t, poller.InterestRead, h.pl.regs[h.ln.fd].armed, "listener not rearmed")
	}
}

func (h *harness) conn(key poller.Key) *Connection {
	h.t.Helper()
	c, ok := h.srv.conns.Get(key)
	require.True(h.t, ok, "key %d not in table", key)
	return c
}
