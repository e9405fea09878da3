package block

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOption_ValueParse 测试块选项的编码与解码
func TestOption_ValueParse(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want []byte
	}{
		{name: "0/0/16（空值）", opt: Option{Num: 0, More: false, SZX: 0}, want: []byte{}},
		{name: "0/1/1024", opt: Option{Num: 0, More: true, SZX: 6}, want: []byte{0x0E}},
		{name: "1/0/64", opt: Option{Num: 1, More: false, SZX: 2}, want: []byte{0x12}},
		{name: "20/1/512（2字节）", opt: Option{Num: 20, More: true, SZX: 5}, want: []byte{0x01, 0x4D}},
		{name: "最大块号BERT", opt: Option{Num: MaxNum, More: true, SZX: BERTSZX}, want: []byte{0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opt.Value())
			back, err := Parse(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.opt, back)
		})
	}

	_, err := Parse([]byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

// TestOption_SizeOffset 块大小与偏移计算（BERT按1024字节单元）
func TestOption_SizeOffset(t *testing.T) {
	assert.Equal(t, 16, Option{SZX: 0}.Size())
	assert.Equal(t, 1024, Option{SZX: 6}.Size())
	assert.Equal(t, 1024, Option{SZX: BERTSZX}.Size())
	assert.Equal(t, 3*64, Option{Num: 3, SZX: 2}.Offset())
	assert.Equal(t, 5*1024, Option{Num: 5, SZX: BERTSZX}.Offset())
	assert.Equal(t, "2/1/256", Option{Num: 2, More: true, SZX: 4}.String())
}

// TestSZXForSize 选择不超过给定大小的最大块
func TestSZXForSize(t *testing.T) {
	tests := []struct {
		size int
		want uint8
	}{
		{8, 0}, {16, 0}, {31, 0}, {32, 1}, {100, 2}, {1024, 6}, {4096, 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SZXForSize(tt.size), "size=%d", tt.size)
	}
}

// TestGetSet 在选项集合中读写块选项
func TestGetSet(t *testing.T) {
	var opts message.Options
	_, ok, err := Get(opts, message.Block2)
	require.NoError(t, err)
	assert.False(t, ok)

	Set(&opts, message.Block2, Option{Num: 7, More: true, SZX: 3})
	Set(&opts, message.Block2, Option{Num: 8, SZX: 3})
	got, ok, err := Get(opts, message.Block2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Option{Num: 8, SZX: 3}, got)
	assert.Len(t, opts, 1)
}

// collect 以固定SZX取出发送端的全部块
func collect(t *testing.T, s *Sender, szx uint8, units int) ([][]byte, []Option) {
	var chunks [][]byte
	var opts []Option
	for !s.Done() {
		c, o, err := s.Next(szx, units)
		require.NoError(t, err)
		chunks = append(chunks, append([]byte(nil), c...))
		opts = append(opts, o)
	}
	return chunks, opts
}

// TestSender_Lookahead 负载恰为块大小整数倍时不产生空尾块
func TestSender_Lookahead(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		szx        uint8
		wantBlocks int
		wantLast   int
	}{
		{name: "小于一个块", payloadLen: 10, szx: 0, wantBlocks: 1, wantLast: 10},
		{name: "恰好一个块", payloadLen: 16, szx: 0, wantBlocks: 1, wantLast: 16},
		{name: "恰好三个块", payloadLen: 192, szx: 2, wantBlocks: 3, wantLast: 64},
		{name: "三个块加一字节", payloadLen: 193, szx: 2, wantBlocks: 4, wantLast: 1},
		{name: "空负载", payloadLen: 0, szx: 6, wantBlocks: 1, wantLast: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.payloadLen)
			for i := range payload {
				payload[i] = byte(i)
			}
			s := NewSender(BytesWriter(payload), Option{SZX: tt.szx}.Size())
			chunks, opts := collect(t, s, tt.szx, 0)

			require.Len(t, chunks, tt.wantBlocks)
			assert.Equal(t, tt.wantLast, len(chunks[len(chunks)-1]))
			for i, o := range opts {
				assert.Equal(t, uint32(i), o.Num)
				assert.Equal(t, i < len(opts)-1, o.More)
			}
			assert.Equal(t, payload, bytes.Join(chunks, nil))

			_, _, err := s.Next(tt.szx, 0)
			assert.ErrorIs(t, err, ErrNoMoreBlocks)
		})
	}
}

// TestSender_WriterNotCalledAfterEOF writer返回短读后不再被调用
func TestSender_WriterNotCalledAfterEOF(t *testing.T) {
	calls := 0
	eof := false
	w := func(offset int, buf []byte) (int, error) {
		require.False(t, eof, "writer在结束后被再次调用")
		calls++
		n := copy(buf, bytes.Repeat([]byte{'z'}, 40)[min(offset, 40):])
		if n < len(buf) {
			eof = true
		}
		return n, nil
	}
	s := NewSender(w, 16)
	chunks, _ := collect(t, s, 0, 0)
	assert.Len(t, chunks, 3) // 16+16+8
	assert.Equal(t, 3, calls)
}

// TestSender_Renegotiation 对端要求更小的块时块号按偏移重新计算
func TestSender_Renegotiation(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 16) // 256字节
	s := NewSender(BytesWriter(payload), 128)

	var out []byte
	chunk, o, err := s.Next(3, 0) // 128字节
	require.NoError(t, err)
	out = append(out, chunk...)
	assert.Equal(t, Option{Num: 0, More: true, SZX: 3}, o)

	chunk, o, err = s.Next(2, 0) // 对端改为64字节，下一块号为128/64=2
	require.NoError(t, err)
	out = append(out, chunk...)
	assert.Equal(t, Option{Num: 2, More: true, SZX: 2}, o)

	chunk, o, err = s.Next(2, 0)
	require.NoError(t, err)
	out = append(out, chunk...)
	assert.Equal(t, Option{Num: 3, More: false, SZX: 2}, o)

	assert.Equal(t, payload, out)
}

// TestSender_WriterError writer的错误原样返回
func TestSender_WriterError(t *testing.T) {
	boom := errors.New("boom")
	s := NewSender(func(int, []byte) (int, error) { return 0, boom }, 16)
	_, _, err := s.Next(0, 0)
	assert.ErrorIs(t, err, boom)
}

// TestBlockRoundTrip 切块后按序重组得到原始负载
func TestBlockRoundTrip(t *testing.T) {
	for _, szx := range []uint8{0, 2, 4, 6} {
		size := Option{SZX: szx}.Size()
		for _, n := range []int{0, 1, size - 1, size, 3 * size, 3*size + 7} {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			s := NewSender(BytesWriter(payload), size)
			r := NewReceiver(make([]byte, 4*size))

			var status Status
			for !s.Done() {
				chunk, o, err := s.Next(szx, 0)
				require.NoError(t, err)
				status, err = r.Feed(o, chunk)
				require.NoError(t, err)
			}
			assert.Equal(t, StatusComplete, status)
			assert.Equal(t, payload, append([]byte{}, r.Data()...), "szx=%d n=%d", szx, n)
		}
	}
}

// TestBERTRoundTrip BERT块包含多个1024字节单元
func TestBERTRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, 5*1024+100)
	s := NewSender(BytesWriter(payload), 2*1024)
	r := NewReceiver(make([]byte, len(payload)))

	var nums []uint32
	for !s.Done() {
		chunk, o, err := s.Next(BERTSZX, 2)
		require.NoError(t, err)
		nums = append(nums, o.Num)
		_, err = r.Feed(o, chunk)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{0, 2, 4}, nums)
	assert.True(t, r.Done())
	assert.Equal(t, payload, r.Data())
}

// TestReceiver_BufferFull 缓冲区满时不消费数据，Flush后以同一块重试
func TestReceiver_BufferFull(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 12) // 96字节，6个16字节块
	s := NewSender(BytesWriter(payload), 16)
	r := NewReceiver(make([]byte, 40))

	var out []byte
	for !s.Done() {
		chunk, o, err := s.Next(0, 0)
		require.NoError(t, err)
		status, err := r.Feed(o, chunk)
		require.NoError(t, err)
		if status == StatusBufferFull {
			out = append(out, r.Flush()...)
			status, err = r.Feed(o, chunk)
			require.NoError(t, err)
			require.NotEqual(t, StatusBufferFull, status)
		}
	}
	out = append(out, r.Flush()...)
	assert.Equal(t, payload, out)
	assert.Equal(t, len(payload), r.Base())
}

// TestReceiver_DuplicateAndGap 重复块被忽略，空洞报错
func TestReceiver_DuplicateAndGap(t *testing.T) {
	r := NewReceiver(make([]byte, 64))
	block := bytes.Repeat([]byte{1}, 16)

	status, err := r.Feed(Option{Num: 0, More: true}, block)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedMore, status)

	status, err = r.Feed(Option{Num: 0, More: true}, block)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedMore, status)
	assert.Equal(t, 16, r.Expected())

	_, err = r.Feed(Option{Num: 2, More: true}, block)
	assert.ErrorIs(t, err, ErrUnexpectedOffset)

	_, err = r.Feed(Option{Num: 1, More: true}, block[:5])
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = r.Feed(Option{Num: 1, More: false}, make([]byte, 100))
	assert.ErrorIs(t, err, ErrBlockTooLarge)

	assert.Equal(t, uint32(1), r.NextNum(0))
}

// TestManager_Client 客户端上下文表容量有限
func TestManager_Client(t *testing.T) {
	m := NewManager(2, 1)
	_, err := m.StartClient(1, nil, make([]byte, 16), 0, 0)
	require.NoError(t, err)
	ct, err := m.StartClient(2, BytesWriter([]byte("x")), make([]byte, 16), 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, ct.Sender)

	_, err = m.StartClient(3, nil, make([]byte, 16), 0, 0)
	assert.ErrorIs(t, err, ErrNoSlot)

	m.EndClient(1)
	m.EndClient(1)
	_, ok := m.Client(1)
	assert.False(t, ok)
	_, err = m.StartClient(3, nil, make([]byte, 16), 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, m.ClientCount())
}

// TestManager_Server 服务端上下文按请求选项匹配后续块请求
func TestManager_Server(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewManager(1, 2)

	req := &message.Message{Code: message.GET}
	req.Options.SetPath("/3/0")
	req.Options.AddUint(message.Observe, 0)
	var resp message.Options
	resp.SetUint(message.ContentFormat, message.AppSenMLJSON)

	payload := bytes.Repeat([]byte("n"), 100)
	st, err := m.StartServer(req, message.Content, resp, BytesWriter(payload), 2, 0, now.Add(time.Minute))
	require.NoError(t, err)

	// 后续块请求：不带Observe、带Block2，路径相同
	next := &message.Message{Code: message.GET}
	next.Options.SetPath("/3/0")
	Set(&next.Options, message.Block2, Option{Num: 1, SZX: 2})
	got, ok := m.MatchServer(next)
	require.True(t, ok)
	assert.Equal(t, st.Key, got.Key)

	chunk, o, err := got.Block(1, 2)
	require.NoError(t, err)
	assert.Equal(t, Option{Num: 1, More: false, SZX: 2}, o)
	assert.Len(t, chunk, 36)

	// 请求更小的块
	chunk, o, err = got.Block(1, 1)
	require.NoError(t, err)
	assert.Equal(t, Option{Num: 1, More: true, SZX: 1}, o)
	assert.Len(t, chunk, 32)

	other := &message.Message{Code: message.GET}
	other.Options.SetPath("/3/1")
	_, ok = m.MatchServer(other)
	assert.False(t, ok)

	// 相同请求替换旧上下文
	st2, err := m.StartServer(req, message.Content, resp, BytesWriter(payload), 2, 0, now.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, st.Key, st2.Key)
	assert.Equal(t, 1, m.ServerCount())

	_, err = m.StartServer(other, message.Content, nil, BytesWriter(payload), 2, 0, now.Add(2*time.Minute))
	require.NoError(t, err)
	third := &message.Message{Code: message.FETCH}
	_, err = m.StartServer(third, message.Content, nil, BytesWriter(payload), 2, 0, now)
	assert.ErrorIs(t, err, ErrNoSlot)

	exp, ok := m.NextExpiry()
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), exp)

	m.Expire(now.Add(90 * time.Second))
	assert.Equal(t, 1, m.ServerCount())
	m.Close()
	assert.Equal(t, 0, m.ServerCount())
}
