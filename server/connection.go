package server

import (
	"fmt"
	"net"
	"time"

	"github.com/legamerdc/shotpoll/internal/framer"
	"github.com/legamerdc/shotpoll/internal/netutil"
	"github.com/legamerdc/shotpoll/poller"
	"go.uber.org/multierr"
)

type connState uint8

const (
	stateReading connState = iota
	stateWriting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateWriting:
		return "writing"
	default:
		return "closed"
	}
}

// Connection 独占一个客户端 socket。
// reading（读关注）-> writing（写关注）-> closed（从所有结构移除）。
type Connection struct {
	key  poller.Key
	sock socket
	peer net.Addr

	buf       []byte
	expected  int
	lengthSet bool

	// armed 记录当前已武装的一次性关注；事件触发后由循环清零
	armed poller.Interest
	state connState
	reads int
	wrote bool

	lastActive time.Time
}

func newConnection(key poller.Key, sock socket, peer net.Addr, now time.Time) *Connection {
	return &Connection{key: key, sock: sock, peer: peer, lastActive: now}
}

func (c *Connection) Key() poller.Key        { return c.key }
func (c *Connection) Peer() net.Addr         { return c.peer }
func (c *Connection) Buffered() int          { return len(c.buf) }
func (c *Connection) Expected() int          { return c.expected }
func (c *Connection) Armed() poller.Interest { return c.armed }
func (c *Connection) Reads() int             { return c.reads }
func (c *Connection) Bytes() []byte          { return c.buf }

func (c *Connection) interest() poller.Interest {
	switch c.state {
	case stateReading:
		return poller.InterestRead
	case stateWriting:
		return poller.InterestWrite
	}
	return poller.InterestNone
}

func (c *Connection) arm(pl poller.Poller, in poller.Interest) error {
	if err := pl.Mod(c.sock.FD(), c.key, in); err != nil {
		return fmt.Errorf("rearm %s: %w", in, err)
	}
	c.armed = in
	return nil
}

// readCB 执行一次非阻塞读并决定下一步关注读还是写。
// 返回的错误对本连接是致命的。
func (c *Connection) readCB(pl poller.Poller, scratch []byte, policy AppendPolicy, maxRequest int) (int, error) {
	n, err := c.sock.Read(scratch)
	if err != nil {
		if netutil.WouldBlock(err) {
			return 0, c.arm(pl, poller.InterestRead)
		}
		return 0, fmt.Errorf("read: %w", err)
	}
	c.reads++
	switch policy {
	case AppendRead:
		if n == 0 {
			return 0, ErrPeerClosed
		}
		c.buf = append(c.buf, scratch[:n]...)
	default:
		// 整块追加；读缓冲跨连接复用，短读的尾部必须清零
		clear(scratch[n:])
		c.buf = append(c.buf, scratch...)
	}

	if !c.lengthSet {
		l, found, ferr := framer.ContentLength(c.buf)
		if ferr != nil {
			return n, ferr
		}
		if found {
			// 整块追加时对端 EOF 后每次唤醒仍会追加填充，长度必须有上限
			if l > maxRequest {
				return n, fmt.Errorf("%w: %d > %d", ErrRequestTooLarge, l, maxRequest)
			}
			c.expected = l
			c.lengthSet = true
		}
	}

	if len(c.buf) >= c.expected {
		c.state = stateWriting
		return n, c.arm(pl, poller.InterestWrite)
	}
	return n, c.arm(pl, poller.InterestRead)
}

// writeCB 写出固定应答，只尝试一次，不重试短写。
func (c *Connection) writeCB() (int, error) {
	if c.wrote {
		return 0, fmt.Errorf("server: response already written key=%d", c.key)
	}
	c.wrote = true
	return c.sock.Write(Response)
}

// teardown 依次 shutdown、注销、close；任何一步失败都不影响后续步骤。
// 重复调用是空操作。
func (c *Connection) teardown(pl poller.Poller) error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	c.armed = poller.InterestNone
	fd := c.sock.FD()
	return multierr.Combine(
		c.sock.Shutdown(),
		pl.Del(fd),
		c.sock.Close(),
	)
}
