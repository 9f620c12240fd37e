package server

import (
	"fmt"
	"strings"
	"time"
)

// AppendPolicy 决定一次成功读之后向累积缓冲追加多少字节。
type AppendPolicy int

const (
	// AppendScratch 追加整块读缓冲（短读时尾部为零字节），
	// 累积长度因此按读缓冲容量增长。
	AppendScratch AppendPolicy = iota
	// AppendRead 只追加实际读到的字节。
	AppendRead
)

func (p AppendPolicy) String() string {
	switch p {
	case AppendScratch:
		return "scratch"
	case AppendRead:
		return "read"
	default:
		return fmt.Sprintf("AppendPolicy(%d)", int(p))
	}
}

func ParseAppendPolicy(s string) (AppendPolicy, error) {
	switch strings.ToLower(s) {
	case "scratch", "":
		return AppendScratch, nil
	case "read":
		return AppendRead, nil
	}
	return 0, fmt.Errorf("server: unknown append policy %q", s)
}

// Recorder 接收到达写阶段的请求字节，data 仅在调用期间有效。
type Recorder interface {
	Record(key uint64, data []byte) error
}

type Config struct {
	// tcp/tcp4/tcp6
	ListenNetwork string
	ListenAddress string
	Backlog       int
	// 单次 Wait 最多返回的事件数
	MaxEvents int
	// 单次读缓冲大小
	ScratchSize int
	Append      AppendPolicy
	// MaxRequest 限制 content-length 声明的请求长度，超过时拆除连接
	MaxRequest int
	// IdleTimeout > 0 时启用空闲连接回收，0 表示连接可以永久挂起
	IdleTimeout time.Duration
	Recorder    Recorder
}

func DefaultConfig() Config {
	return Config{
		ListenNetwork: "tcp4",
		ListenAddress: "127.0.0.1:8080",
		Backlog:       1024,
		MaxEvents:     1024,
		ScratchSize:   1024,
		Append:        AppendScratch,
		MaxRequest:    1 << 20,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.ListenNetwork == "" {
		c.ListenNetwork = def.ListenNetwork
	}
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	if c.ScratchSize <= 0 {
		c.ScratchSize = def.ScratchSize
	}
	if c.MaxRequest <= 0 {
		c.MaxRequest = def.MaxRequest
	}
}

// idleTick 为启用回收时的 Wait 超时
func (c *Config) idleTick() time.Duration {
	tick := c.IdleTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}
