package server

import (
	"fmt"
	"slices"

	"github.com/legamerdc/shotpoll/poller"
)

// Table 是连接生命周期的唯一归属：连接在表中当且仅当其 fd 已注册到 poller。
// 只在事件循环 goroutine 中访问，不加锁。
type Table struct {
	conns map[poller.Key]*Connection
}

func NewTable() *Table {
	return &Table{conns: make(map[poller.Key]*Connection)}
}

func (t *Table) Insert(c *Connection) error {
	if _, ok := t.conns[c.key]; ok {
		return fmt.Errorf("%w: key=%d", ErrKeyExists, c.key)
	}
	t.conns[c.key] = c
	return nil
}

// Get 对已移除的 key 返回 nil, false，这是正常情况。
func (t *Table) Get(key poller.Key) (*Connection, bool) {
	c, ok := t.conns[key]
	return c, ok
}

func (t *Table) Remove(key poller.Key) {
	delete(t.conns, key)
}

func (t *Table) Len() int { return len(t.conns) }

// Keys 返回升序的 key 快照，遍历期间可安全删除。
func (t *Table) Keys() []poller.Key {
	keys := make([]poller.Key, 0, len(t.conns))
	for k := range t.conns {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
