//go:build linux

package poller

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sys/unix"
)

// wakeKey 保留给内部 eventfd，不会出现在 Wait 结果中
const wakeKey Key = math.MaxUint64

type epollPoller struct {
	efd int
	wfd int // eventfd for wakeup
	raw []unix.EpollEvent
}

func New() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll create: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, fmt.Errorf("poller: eventfd: %w", err)
	}
	p := &epollPoller{efd: efd, wfd: wfd}
	// wakeup fd 为电平触发，不使用 one-shot，读空即可
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	setKey(&ev, wakeKey)
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, fmt.Errorf("poller: register eventfd: %w", err)
	}
	return p, nil
}

// key 占用 epoll data 的 64 位，Fd 存低 32 位，Pad 存高 32 位
func setKey(ev *unix.EpollEvent, key Key) {
	ev.Fd = int32(uint32(key))
	ev.Pad = int32(uint32(key >> 32))
}

func getKey(ev *unix.EpollEvent) Key {
	return Key(uint32(ev.Fd)) | Key(uint32(ev.Pad))<<32
}

func oneShot(key Key, in Interest) (*unix.EpollEvent, error) {
	var flag uint32 = unix.EPOLLONESHOT
	switch in {
	case InterestRead:
		flag |= unix.EPOLLIN
	case InterestWrite:
		flag |= unix.EPOLLOUT
	default:
		return nil, ErrInvalidInterest
	}
	ev := &unix.EpollEvent{Events: flag}
	setKey(ev, key)
	return ev, nil
}

func (p *epollPoller) Add(fd int, key Key, in Interest) error {
	ev, err := oneShot(key, in)
	if err != nil {
		return err
	}
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Mod(fd int, key Key, in Interest) error {
	ev, err := oneShot(key, in)
	if err != nil {
		return err
	}
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Del(fd int) error {
	if err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		// 计数器已满，说明已有未消费的唤醒
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	defer runtime.KeepAlive(p)
	if len(events) == 0 {
		return 0, nil
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.efd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := &raw[i]
		key := getKey(ev)
		if key == wakeKey {
			p.drainWake()
			continue
		}
		events[out] = Event{
			Key:      key,
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
		out++
	}
	return out, nil
}

// 清空 eventfd
func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wfd, buf[:]); err != nil {
			return
		}
	}
}
