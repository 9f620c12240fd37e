package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legamerdc/shotpoll/internal/netutil"
	"github.com/legamerdc/shotpoll/poller"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// listenerKey 保留给监听 socket，连接的 key 从 1 开始单调递增
const listenerKey poller.Key = 0

type Stats struct {
	Accepted     uint64
	AcceptErrors uint64
	Completed    uint64
	Aborted      uint64
	Evicted      uint64
	Stale        uint64
}

// Server 是单线程的事件循环。除 Stop/Close 外的所有状态只由 Serve 所在 goroutine 访问。
type Server struct {
	cfg Config
	log *zap.Logger
	pl  poller.Poller
	ln  acceptor

	conns   *Table
	nextKey poller.Key
	events  []poller.Event
	scratch []byte
	idle    *idleReaper
	now     func() time.Time
	stats   Stats

	stopping atomic.Bool
	started  atomic.Bool

	mu           sync.Mutex // 保护 pollerClosed，Stop 可能与退出清理并发
	pollerClosed bool
}

// New 绑定监听地址并创建 reactor，Serve 之前 Addr 即可用。
func New(cfg Config, log *zap.Logger) (*Server, error) {
	cfg.normalize()
	l, err := openListener(cfg.ListenNetwork, cfg.ListenAddress, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	p, err := poller.New()
	if err != nil {
		l.Close()
		return nil, err
	}
	s, err := newServer(cfg, log, p, l)
	if err != nil {
		p.Close()
		l.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg Config, log *zap.Logger, p poller.Poller, l acceptor) (*Server, error) {
	if p == nil || l == nil {
		return nil, ErrInvalidArgument
	}
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		pl:      p,
		ln:      l,
		conns:   NewTable(),
		nextKey: listenerKey,
		events:  make([]poller.Event, cfg.MaxEvents),
		scratch: make([]byte, cfg.ScratchSize),
		now:     time.Now,
	}
	if cfg.IdleTimeout > 0 {
		s.idle = newIdleReaper(cfg.IdleTimeout)
	}
	if err := p.Add(l.FD(), listenerKey, poller.InterestRead); err != nil {
		return nil, fmt.Errorf("register listener: %w", err)
	}
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Stats 只能在 Serve 返回后读取。
func (s *Server) Stats() Stats { return s.stats }

// Serve 阻塞运行事件循环，直到 Stop 或出现进程级错误。
// 返回前会拆除所有存活连接并释放监听 socket 与 reactor。
func (s *Server) Serve() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	defer s.shutdown()

	timeout := -1
	if s.idle != nil {
		timeout = int(s.cfg.idleTick() / time.Millisecond)
	}
	s.log.Info("serving",
		zap.Any("addr", s.ln.Addr()),
		zap.Stringer("append", s.cfg.Append),
		zap.Int("scratch", s.cfg.ScratchSize),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	for !s.stopping.Load() {
		if err := s.poll(timeout); err != nil {
			s.log.Error("event loop stopped", zap.Error(err))
			return err
		}
	}
	return nil
}

// Stop 可在任意 goroutine 调用。
func (s *Server) Stop() error {
	s.stopping.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollerClosed {
		return nil
	}
	return s.pl.Wake()
}

// Close 释放从未 Serve 过的 Server；Serve 中的 Server 等价于 Stop。
func (s *Server) Close() error {
	if s.started.CompareAndSwap(false, true) {
		s.stopping.Store(true)
		s.shutdown()
		return nil
	}
	return s.Stop()
}

// poll 执行一轮 wait 与分发。
func (s *Server) poll(timeoutMs int) error {
	n, err := s.pl.Wait(s.events, timeoutMs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWait, err)
	}
	for i := 0; i < n; i++ {
		if err := s.dispatch(s.events[i]); err != nil {
			return err
		}
	}
	if s.idle != nil {
		s.reapIdle()
	}
	return nil
}

// dispatch 只返回进程级错误，连接级错误在内部拆除连接后吞掉。
func (s *Server) dispatch(ev poller.Event) error {
	if ev.Key == listenerKey {
		return s.accept()
	}
	c, ok := s.conns.Get(ev.Key)
	if !ok {
		s.stats.Stale++
		s.log.Debug("stale event ignored", zap.Uint64("key", ev.Key))
		return nil
	}
	// one-shot 已被内核解除
	c.armed = poller.InterestNone
	c.lastActive = s.now()

	switch {
	case c.state == stateReading && ev.Readable:
		n, err := c.readCB(s.pl, s.scratch, s.cfg.Append, s.cfg.MaxRequest)
		if err != nil {
			s.abort(c, err)
			return nil
		}
		s.log.Debug("read",
			zap.Uint64("key", c.key),
			zap.Int("n", n),
			zap.Int("buffered", len(c.buf)),
			zap.Int("expected", c.expected),
			zap.Stringer("next", c.armed))
	case c.state == stateWriting && ev.Writable:
		s.respond(c)
		return nil
	case ev.Hangup:
		s.abort(c, ErrHangup)
		return nil
	default:
		s.log.Warn("unexpected event",
			zap.Uint64("key", c.key),
			zap.Stringer("state", c.state),
			zap.Bool("readable", ev.Readable),
			zap.Bool("writable", ev.Writable))
		if err := c.arm(s.pl, c.interest()); err != nil {
			s.abort(c, err)
			return nil
		}
	}

	if c.armed == poller.InterestNone {
		s.log.Error("connection left unarmed", zap.Uint64("key", c.key), zap.Stringer("state", c.state))
		s.abort(c, ErrNotRearmed)
	}
	return nil
}

func (s *Server) accept() error {
	sock, peer, err := s.ln.Accept()
	switch {
	case err == nil:
		s.register(sock, peer)
	case netutil.WouldBlock(err):
		s.log.Debug("listener ready but no pending connection")
	default:
		s.stats.AcceptErrors++
		s.log.Warn("accept failed", zap.Error(err))
	}
	// 监听 socket 同样是 one-shot，不重新武装就再也收不到新连接
	if err := s.pl.Mod(s.ln.FD(), listenerKey, poller.InterestRead); err != nil {
		return fmt.Errorf("%w: %w", ErrListenerRearm, err)
	}
	return nil
}

func (s *Server) register(sock socket, peer net.Addr) {
	s.nextKey++
	key := s.nextKey
	now := s.now()
	c := newConnection(key, sock, peer, now)
	if err := s.pl.Add(sock.FD(), key, poller.InterestRead); err != nil {
		s.log.Error("register connection failed",
			zap.Uint64("key", key), zap.Int("fd", sock.FD()), zap.Error(err))
		_ = sock.Close()
		return
	}
	c.armed = poller.InterestRead
	if err := s.conns.Insert(c); err != nil {
		s.log.Error("insert connection failed", zap.Uint64("key", key), zap.Error(err))
		_ = c.teardown(s.pl)
		return
	}
	s.stats.Accepted++
	if s.idle != nil {
		s.idle.track(key, now)
	}
	s.log.Debug("connection accepted",
		zap.Uint64("key", key), zap.Int("fd", sock.FD()), zap.Any("peer", peer))
}

func (s *Server) respond(c *Connection) {
	if s.cfg.Recorder != nil {
		if err := s.cfg.Recorder.Record(c.key, c.buf); err != nil {
			s.log.Warn("capture failed", zap.Uint64("key", c.key), zap.Error(err))
		}
	}
	n, err := c.writeCB()
	switch {
	case err != nil:
		s.log.Warn("write response failed", zap.Uint64("key", c.key), zap.Error(err))
	case n < len(Response):
		s.log.Warn("short response write", zap.Uint64("key", c.key), zap.Int("n", n))
	default:
		s.log.Debug("response sent", zap.Uint64("key", c.key), zap.Int("n", n))
	}
	s.stats.Completed++
	s.finish(c)
}

func (s *Server) abort(c *Connection, err error) {
	s.stats.Aborted++
	s.log.Warn("connection aborted",
		zap.Uint64("key", c.key), zap.Stringer("state", c.state), zap.Error(err))
	s.finish(c)
}

// finish 先注销再 close，最后从表中移除；注销失败时 fd 仍然关闭。
func (s *Server) finish(c *Connection) {
	if err := c.teardown(s.pl); err != nil {
		s.log.Debug("teardown", zap.Uint64("key", c.key), zap.Error(err))
	}
	s.conns.Remove(c.key)
}

func (s *Server) shutdown() {
	for _, key := range s.conns.Keys() {
		if c, ok := s.conns.Get(key); ok {
			s.log.Debug("closing connection on shutdown", zap.Uint64("key", key), zap.Error(ErrServerClosed))
			s.finish(c)
		}
	}
	err := multierr.Combine(s.pl.Del(s.ln.FD()), s.ln.Close())
	s.mu.Lock()
	err = multierr.Append(err, s.pl.Close())
	s.pollerClosed = true
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("shutdown", zap.Error(err))
	}
	s.log.Info("stopped",
		zap.Uint64("accepted", s.stats.Accepted),
		zap.Uint64("completed", s.stats.Completed),
		zap.Uint64("aborted", s.stats.Aborted))
}
