// Package client 是一个阻塞式的最小客户端：发送一次请求并读取到对端关闭为止。
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxResponse 限制单次应答的读取量
	MaxResponse = 1 << 20
	// DefaultTimeout 用于未带截止时间的 ctx
	DefaultTimeout = 5 * time.Second
)

var ErrResponseTooLarge = errors.New("client: response too large")

type Client struct {
	conn net.Conn
	// 接收缓冲，跨多次 Read 累积直到 EOF
	rb []byte
}

func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(DefaultTimeout)
	}
	_ = nc.SetDeadline(dl)
	return &Client{conn: nc}, nil
}

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// Send 写出完整请求。
func (c *Client) Send(req []byte) error {
	_, err := c.conn.Write(req)
	return err
}

// CloseWrite 半关闭写方向，对端随后读到 EOF。
func (c *Client) CloseWrite() error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// ReadResponse 读取到对端关闭为止。
func (c *Client) ReadResponse() ([]byte, error) {
	buf := make([]byte, 4<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if len(c.rb)+n > MaxResponse {
				return c.rb, ErrResponseTooLarge
			}
			c.rb = append(c.rb, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return c.rb, nil
			}
			return c.rb, err
		}
	}
}

func (c *Client) Close() error { return c.conn.Close() }

// Do 建连、发送 req、读取完整应答并关闭。
func Do(ctx context.Context, network, address string, req []byte) ([]byte, error) {
	c, err := Dial(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", address, err)
	}
	defer c.Close()
	if err := c.Send(req); err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}
	resp, err := c.ReadResponse()
	if err != nil {
		return resp, fmt.Errorf("client: read: %w", err)
	}
	return resp, nil
}

// Request 构造一个带 content-length 头的请求；headerName 允许测试大小写变体。
func Request(headerName string, body []byte) []byte {
	if headerName == "" {
		headerName = "Content-Length"
	}
	req := fmt.Sprintf("POST / HTTP/1.1\r\nHost: shotpoll\r\n%s: %d\r\n\r\n", headerName, len(body))
	return append([]byte(req), body...)
}
