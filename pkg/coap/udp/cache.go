package udp

import (
	"errors"
	"time"
)

// ErrResponseTooLarge 响应大于整个缓存区
var ErrResponseTooLarge = errors.New("udp: response larger than cache")

type cacheEntry struct {
	peer    string
	mid     uint16
	live    bool
	expires time.Time
	off     int // 在arena中的起始位置，n为0时无意义
	n       int // 数据长度，0表示仅记录"已收到"，不占用arena
}

// ResponseCache 已应答CON请求的响应缓存，用于去重
// 数据保存在固定大小的环形字节区中，每条记录连续存放；空间不足时按先进先出淘汰
// 不是并发安全的，由引擎上下文独占
type ResponseCache struct {
	arena      []byte
	tail       int          // 下一次写入位置
	entries    []cacheEntry // 按插入顺序排列，最旧在前
	maxEntries int
	lifetime   time.Duration
}

// NewResponseCache 创建响应缓存
// 参数：size - 字节区容量，lifetime - 记录保留时间（EXCHANGE_LIFETIME）
func NewResponseCache(size int, lifetime time.Duration) *ResponseCache {
	maxEntries := size / 16
	if maxEntries < 8 {
		maxEntries = 8
	}
	return &ResponseCache{
		arena:      make([]byte, size),
		entries:    make([]cacheEntry, 0, maxEntries),
		maxEntries: maxEntries,
		lifetime:   lifetime,
	}
}

// Len 当前记录数（含仅标记已收到的记录）
func (c *ResponseCache) Len() int { return len(c.entries) }

// Lookup 查找(peer, mid)的记录
// 返回：缓存的响应（可能为空），bool值表示该请求是否在保留期内已被收到过
func (c *ResponseCache) Lookup(peer string, mid uint16, now time.Time) ([]byte, bool) {
	c.Expire(now)
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := &c.entries[i]
		if e.live && e.mid == mid && e.peer == peer {
			return c.arena[e.off : e.off+e.n : e.off+e.n], true
		}
	}
	return nil, false
}

// MarkSeen 记录已收到(peer, mid)的CON请求，尚无响应
func (c *ResponseCache) MarkSeen(peer string, mid uint16, now time.Time) {
	c.kill(peer, mid)
	c.push(cacheEntry{peer: peer, mid: mid, live: true, expires: now.Add(c.lifetime)})
}

// Put 缓存(peer, mid)的响应数据（复制），替换之前的记录
func (c *ResponseCache) Put(peer string, mid uint16, data []byte, now time.Time) error {
	if len(data) > len(c.arena) {
		return ErrResponseTooLarge
	}
	c.kill(peer, mid)
	e := cacheEntry{peer: peer, mid: mid, live: true, expires: now.Add(c.lifetime), n: len(data)}
	if e.n > 0 {
		e.off = c.alloc(e.n)
		copy(c.arena[e.off:], data)
		c.tail = e.off + e.n
	}
	c.push(e)
	return nil
}

// Expire 淘汰过期记录（记录按插入时间有序，过期时间同序）
func (c *ResponseCache) Expire(now time.Time) {
	n := 0
	for n < len(c.entries) && !now.Before(c.entries[n].expires) {
		n++
	}
	if n > 0 {
		c.drop(n)
	}
}

// Clear 清空缓存
func (c *ResponseCache) Clear() {
	c.entries = c.entries[:0]
	c.tail = 0
}

// kill 使(peer, mid)的旧记录失效
// 仅标记的记录直接移除；带数据的记录保留位置直到被淘汰，以维持arena的先进先出布局
func (c *ResponseCache) kill(peer string, mid uint16) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.mid == mid && e.peer == peer {
			if e.n == 0 {
				continue
			}
			e.live = false
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

func (c *ResponseCache) push(e cacheEntry) {
	if len(c.entries) >= c.maxEntries {
		c.drop(1)
	}
	c.entries = append(c.entries, e)
}

// drop 淘汰最旧的n条记录
func (c *ResponseCache) drop(n int) {
	copy(c.entries, c.entries[n:])
	c.entries = c.entries[:len(c.entries)-n]
	if len(c.entries) == 0 {
		c.tail = 0
	}
}

// alloc 在环形区中找到n字节连续空间，必要时淘汰最旧记录
// 有数据的记录在arena中按插入顺序首尾相接：tail大于最旧数据的起始位置时未回绕，
// 空闲区为[tail, len)与[0, head)；否则已回绕，空闲区为[tail, head)
// 调用方保证n不超过arena容量
func (c *ResponseCache) alloc(n int) int {
	for {
		oldest := -1
		for i := range c.entries {
			if c.entries[i].n > 0 {
				oldest = i
				break
			}
		}
		if oldest < 0 {
			return 0
		}
		head := c.entries[oldest].off
		if c.tail > head {
			if len(c.arena)-c.tail >= n {
				return c.tail
			}
			if head >= n {
				return 0
			}
		} else if head-c.tail >= n {
			return c.tail
		}
		c.drop(oldest + 1)
	}
}
