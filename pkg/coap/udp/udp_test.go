package udp

import (
	"bytes"
	"testing"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/prng"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRetryState_BackoffDoubling ack_timeout=2s、factor=1.0、max_retransmit=4时超时序列为2,4,8,16,32秒
func TestRetryState_BackoffDoubling(t *testing.T) {
	p := api.TxParams{AckTimeout: 2 * time.Second, AckRandomFactor: 1.0, MaxRetransmit: 4, NStart: 1}
	rs := NewRetryState(p, prng.NewFromUint64(1))

	want := []time.Duration{2, 4, 8, 16, 32}
	assert.Equal(t, want[0]*time.Second, rs.Timeout())
	for i := 1; i < len(want); i++ {
		assert.False(t, rs.AllRetriesSent(), "第%d次重传之前", i)
		require.True(t, rs.Next())
		assert.Equal(t, want[i]*time.Second, rs.Timeout())
		assert.Equal(t, uint(i), rs.Retries())
	}
	assert.True(t, rs.AllRetriesSent())
	assert.False(t, rs.Next())
	assert.Equal(t, 32*time.Second, rs.Timeout())
}

// TestRetryState_Jitter 初始超时落在[ack_timeout, ack_timeout*factor]内
func TestRetryState_Jitter(t *testing.T) {
	p := api.DefaultTxParams()
	src := prng.NewFromUint64(99)
	for i := 0; i < 200; i++ {
		rs := NewRetryState(p, src)
		assert.GreaterOrEqual(t, rs.Timeout(), 2*time.Second)
		assert.LessOrEqual(t, rs.Timeout(), 3*time.Second)
	}
}

// TestMessageIDs_Wraparound 消息ID单调递增并在65535后回绕
func TestMessageIDs_Wraparound(t *testing.T) {
	ids := &MessageIDs{next: 0xFFFE}
	assert.Equal(t, uint16(0xFFFE), ids.Next())
	assert.Equal(t, uint16(0xFFFF), ids.Next())
	assert.Equal(t, uint16(0), ids.Next())

	a := NewMessageIDs(prng.NewFromUint64(5))
	b := NewMessageIDs(prng.NewFromUint64(5))
	assert.Equal(t, a.Next(), b.Next())
}

// TestResponseCache_LookupExpire 记录在保留期内可查到，过期后消失
func TestResponseCache_LookupExpire(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewResponseCache(64, time.Minute)

	_, seen := c.Lookup("peer", 1, now)
	assert.False(t, seen)

	c.MarkSeen("peer", 1, now)
	data, seen := c.Lookup("peer", 1, now)
	assert.True(t, seen)
	assert.Empty(t, data)

	require.NoError(t, c.Put("peer", 1, []byte("resp-1"), now))
	data, seen = c.Lookup("peer", 1, now.Add(30*time.Second))
	assert.True(t, seen)
	assert.Equal(t, []byte("resp-1"), data)

	_, seen = c.Lookup("other", 1, now)
	assert.False(t, seen)

	_, seen = c.Lookup("peer", 1, now.Add(time.Minute))
	assert.False(t, seen)
	assert.Equal(t, 0, c.Len())
}

// TestResponseCache_RingEviction 空间不足时淘汰最旧记录，数据保持连续不被破坏
func TestResponseCache_RingEviction(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewResponseCache(32, time.Hour)

	payload := func(i int) []byte { return bytes.Repeat([]byte{byte('a' + i)}, 10) }
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put("p", uint16(i), payload(i), now))
	}
	// 第4条需要回绕到起始位置，淘汰mid=0
	require.NoError(t, c.Put("p", 3, payload(3), now))

	_, seen := c.Lookup("p", 0, now)
	assert.False(t, seen)
	for i := 1; i <= 3; i++ {
		data, seen := c.Lookup("p", uint16(i), now)
		require.True(t, seen, "mid=%d", i)
		assert.Equal(t, payload(i), data)
	}

	// 再写入两条，持续回绕
	require.NoError(t, c.Put("p", 4, payload(4), now))
	require.NoError(t, c.Put("p", 5, payload(5), now))
	for i := 3; i <= 5; i++ {
		data, seen := c.Lookup("p", uint16(i), now)
		require.True(t, seen, "mid=%d", i)
		assert.Equal(t, payload(i), data)
	}

	assert.ErrorIs(t, c.Put("p", 9, make([]byte, 33), now), ErrResponseTooLarge)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

// TestResponseCache_SeenThenPut 每个CON先标记已收到再缓存响应，回绕后重复请求仍得到自己的响应
func TestResponseCache_SeenThenPut(t *testing.T) {
	now := time.Unix(100, 0)
	e := NewEngine(api.DefaultTxParams(), 100, prng.NewFromUint64(5))

	sizes := []int{30, 30, 40, 30, 30}
	payload := func(i int) []byte { return bytes.Repeat([]byte{byte('a' + i)}, sizes[i]) }
	for i := range sizes {
		mid := uint16(100 + i)
		_, dup := e.CheckDuplicate("", mid, now)
		require.False(t, dup, "mid=%d", mid)
		require.NoError(t, e.StoreResponse("", mid, payload(i), now))
	}

	for i := range sizes {
		mid := uint16(100 + i)
		cached, dup := e.CheckDuplicate("", mid, now)
		if i >= 2 {
			require.True(t, dup, "mid=%d", mid)
		}
		if dup && len(cached) > 0 {
			assert.Equal(t, payload(i), cached, "mid=%d", mid)
		}
	}
}

// TestResponseCache_MixedRandom 随机交替标记与缓存，任何命中的记录都必须是自己的数据
func TestResponseCache_MixedRandom(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewResponseCache(128, time.Hour)
	src := prng.NewFromUint64(11)
	want := make(map[uint16][]byte)

	for i := 0; i < 2000; i++ {
		mid := uint16(i)
		c.MarkSeen("p", mid, now)
		want[mid] = nil
		if src.Intn(4) != 0 {
			data := bytes.Repeat([]byte{byte(i)}, 1+src.Intn(40))
			require.NoError(t, c.Put("p", mid, data, now))
			want[mid] = data
		}

		data, seen := c.Lookup("p", mid, now)
		require.True(t, seen, "mid=%d", mid)
		require.Equal(t, len(want[mid]), len(data), "mid=%d", mid)
		for back := uint16(1); back <= 16 && back <= mid; back++ {
			old := mid - back
			data, seen := c.Lookup("p", old, now)
			if seen && len(data) > 0 {
				require.Equal(t, want[old], data, "iteration %d mid=%d", i, old)
			}
		}
	}
}

// TestEngine_CheckDuplicate 首次收到返回非重复，之后返回缓存的响应
func TestEngine_CheckDuplicate(t *testing.T) {
	now := time.Unix(100, 0)
	e := NewEngine(api.DefaultTxParams(), 256, prng.NewFromUint64(3))
	assert.False(t, e.Reliable())

	_, dup := e.CheckDuplicate("", 42, now)
	assert.False(t, dup)

	cached, dup := e.CheckDuplicate("", 42, now)
	assert.True(t, dup)
	assert.Empty(t, cached)

	require.NoError(t, e.StoreResponse("", 42, []byte{0x60, 0x45, 0x00, 0x2A}, now))
	cached, dup = e.CheckDuplicate("", 42, now.Add(time.Second))
	assert.True(t, dup)
	assert.Equal(t, []byte{0x60, 0x45, 0x00, 0x2A}, cached)

	// 超过EXCHANGE_LIFETIME后视为新请求
	_, dup = e.CheckDuplicate("", 42, now.Add(e.Params().ExchangeLifetime()))
	assert.False(t, dup)
}
