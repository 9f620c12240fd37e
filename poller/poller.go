package poller

import "errors"

// Key 用于把就绪事件关联回其所属对象（监听 socket 或连接）。
type Key = uint64

// Interest 表示一次性注册的关注类型，读写互斥。
type Interest uint8

const (
	InterestNone Interest = iota
	InterestRead
	InterestWrite
)

func (i Interest) String() string {
	switch i {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	default:
		return "none"
	}
}

// Event 为一次 Wait 返回的就绪事件。
type Event struct {
	Key      Key
	Readable bool
	Writable bool
	// Hangup 对应 ERR/HUP，与关注类型无关，内核总会上报
	Hangup bool
}

// Poller 是一次性（one-shot）就绪通知队列。
// 每次事件触发后注册自动失效，需要通过 Mod 重新武装。
// 除 Wake 外，所有方法只允许在事件循环 goroutine 中调用。
type Poller interface {
	// Add 注册 fd；fd 已注册时返回错误。
	Add(fd int, key Key, in Interest) error
	// Mod 重新武装或切换已注册 fd 的关注类型。
	Mod(fd int, key Key, in Interest) error
	// Del 注销 fd，必须在 close(fd) 之前调用。
	Del(fd int) error
	// Wait 阻塞直到至少一个事件就绪；timeoutMs < 0 表示无限等待。
	// 被 Wake 唤醒或被信号打断时返回 0, nil。
	Wait(events []Event, timeoutMs int) (int, error)
	// Wake 可在任意 goroutine 调用，打断正在进行的 Wait。
	Wake() error
	Close() error
}

var (
	ErrPlatformNotSupported = errors.New("poller: platform not supported (requires Linux/epoll)")
	ErrInvalidInterest      = errors.New("poller: interest must be read or write")
)
