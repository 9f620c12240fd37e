//go:build linux

package server

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/legamerdc/shotpoll/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

type running struct {
	srv  *Server
	errc chan error
	once sync.Once
	err  error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.once.Do(func() {
		require.NoError(t, r.srv.Stop())
		select {
		case r.err = <-r.errc:
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after Stop")
		}
	})
	return r.err
}

func (r *running) addr() string { return r.srv.Addr().String() }

func startServer(t *testing.T, cfg Config) *running {
	t.Helper()
	cfg.ListenAddress = "127.0.0.1:0"
	srv, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	r := &running{srv: srv, errc: make(chan error, 1)}
	go func() { r.errc <- srv.Serve() }()
	t.Cleanup(func() { _ = r.stop(t) })
	return r
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServeContentLengthZero(t *testing.T) {
	for _, header := range []string{"content-length", "Content-Length", "CONTENT-LENGTH"} {
		t.Run(header, func(t *testing.T) {
			r := startServer(t, DefaultConfig())
			resp, err := client.Do(testContext(t), "tcp", r.addr(), client.Request(header, nil))
			require.NoError(t, err)
			assert.Equal(t, string(Response), string(resp))
		})
	}
}

func TestServeWithoutLengthHeader(t *testing.T) {
	r := startServer(t, DefaultConfig())
	resp, err := client.Do(testContext(t), "tcp", r.addr(), []byte("GET /index.html HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, string(Response), string(resp))
}

func TestServeManyClients(t *testing.T) {
	r := startServer(t, DefaultConfig())
	ctx := testContext(t)

	const clients = 64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			resp, err := client.Do(gctx, "tcp", r.addr(), client.Request("", []byte("body")))
			if err != nil {
				return err
			}
			if string(resp) != string(Response) {
				return errors.New("unexpected response: " + string(resp))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, r.stop(t))
	st := r.srv.Stats()
	assert.Equal(t, uint64(clients), st.Accepted)
	assert.Equal(t, uint64(clients), st.Completed)
	assert.Zero(t, st.Aborted)
}

func TestServeReadPolicyWaitsForFullLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Append = AppendRead
	r := startServer(t, cfg)

	header := "POST / HTTP/1.1\r\ncontent-length: 100\r\n\r\n"
	c, err := client.Dial(testContext(t), "tcp", r.addr())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send([]byte(header)))
	require.NoError(t, c.SetDeadline(time.Now().Add(100*time.Millisecond)))
	resp, err := c.ReadResponse()
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Empty(t, resp)

	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, c.Send([]byte(strings.Repeat("x", 100-len(header)))))
	resp, err = c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, string(Response), string(resp))
}

func TestServePeerCloseGetsNoResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Append = AppendRead
	r := startServer(t, cfg)

	c, err := client.Dial(testContext(t), "tcp", r.addr())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send([]byte("POST / HTTP/1.1\r\ncontent-length: 500\r\n\r\n")))
	require.NoError(t, c.CloseWrite())

	resp, _ := c.ReadResponse()
	assert.Empty(t, resp)

	require.NoError(t, r.stop(t))
	assert.Equal(t, uint64(1), r.srv.Stats().Aborted)
	assert.Zero(t, r.srv.Stats().Completed)
}

func TestServeIdleEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	r := startServer(t, cfg)

	c, err := client.Dial(testContext(t), "tcp", r.addr())
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	resp, _ := c.ReadResponse()
	assert.Empty(t, resp)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.NoError(t, r.stop(t))
	assert.Equal(t, uint64(1), r.srv.Stats().Evicted)
}

func TestStopClosesPendingConnections(t *testing.T) {
	r := startServer(t, DefaultConfig())

	c, err := client.Dial(testContext(t), "tcp", r.addr())
	require.NoError(t, err)
	defer c.Close()

	// 留出时间让连接被接受
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, r.stop(t))
	resp, _ := c.ReadResponse()
	assert.Empty(t, resp)

	_, err = net.DialTimeout("tcp", r.addr(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}
