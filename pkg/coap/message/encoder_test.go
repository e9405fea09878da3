package message

import (
	"bytes"
	"testing"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncoder_EncodeDecodeHeader 测试CoAP消息头部的编码与解码功能
// 验证不同类型消息的头部字段（类型、令牌、消息码、消息ID）编解码后是否一致
func TestEncoder_EncodeDecodeHeader(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "Confirmable GET（确认型GET消息）",
			msg: &Message{
				Type:      Confirmable,
				Code:      GET,
				MessageID: 0x1234,
				Token:     token.MustNew([]byte{0x01, 0x02, 0x03, 0x04}),
			},
		},
		{
			name: "Non-Confirmable POST（非确认型POST消息，无令牌）",
			msg: &Message{
				Type:      NonConfirmable,
				Code:      POST,
				MessageID: 0x5678,
			},
		},
		{
			name: "Acknowledgment（8字节令牌的确认响应）",
			msg: &Message{
				Type:      Acknowledgement,
				Code:      Content,
				MessageID: 0x9ABC,
				Token:     token.MustNew([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}),
			},
		},
		{
			name: "空RST消息",
			msg:  NewEmpty(Reset, 0xFFFF),
		},
	}

	encoder := NewEncoder()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encoder.Marshal(tt.msg)
			require.NoError(t, err)
			require.True(t, len(data) >= HeaderSize)

			decoded, err := encoder.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, tt.msg.Type, decoded.Type)
			assert.Equal(t, tt.msg.Code, decoded.Code)
			assert.Equal(t, tt.msg.MessageID, decoded.MessageID)
			assert.True(t, tt.msg.Token.Equal(decoded.Token))
		})
	}
}

// TestEncoder_TokenRoundTrip 任意长度0-8的令牌编解码后字节与长度完全一致
func TestEncoder_TokenRoundTrip(t *testing.T) {
	encoder := NewEncoder()
	for n := 0; n <= token.MaxLength; n++ {
		raw := bytes.Repeat([]byte{0x00}, n) // 全零令牌也必须按长度区分
		msg := &Message{Type: Confirmable, Code: GET, MessageID: uint16(n), Token: token.MustNew(raw)}

		data, err := encoder.Marshal(msg)
		require.NoError(t, err)
		decoded, err := encoder.Decode(data)
		require.NoError(t, err)

		assert.Equal(t, n, decoded.Token.Len())
		assert.Equal(t, raw, decoded.Token.Bytes())
	}
}

// TestEncoder_EncodeDecodeOptions 测试选项编码（含1字节与2字节扩展）
func TestEncoder_EncodeDecodeOptions(t *testing.T) {
	tests := []struct {
		name    string
		options Options
	}{
		{
			name: "单个Uri-Path",
			options: Options{
				{ID: URIPath, Value: []byte("discover")},
			},
		},
		{
			name: "多个有序选项（含重复选项号）",
			options: Options{
				{ID: URIPath, Value: []byte("3")},
				{ID: URIPath, Value: []byte("0")},
				{ID: ContentFormat, Value: []byte{0x2D, 0x16}},
				{ID: URIQuery, Value: []byte("ep=node")},
			},
		},
		{
			name: "delta≥13且长度≥13（1字节扩展）",
			options: Options{
				{ID: Block2, Value: []byte{0x06}},
				{ID: ProxyURI, Value: bytes.Repeat([]byte{'a'}, 20)},
			},
		},
		{
			name: "delta≥269且长度≥269（2字节扩展）",
			options: Options{
				{ID: URIHost, Value: []byte("h")},
				{ID: 1000, Value: bytes.Repeat([]byte{'b'}, 300)},
			},
		},
		{
			name: "空值选项",
			options: Options{
				{ID: IfNoneMatch, Value: []byte{}},
				{ID: Observe, Value: []byte{}},
			},
		},
	}

	encoder := NewEncoder()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Type: Confirmable, Code: PUT, MessageID: 1, Options: tt.options}
			size, err := encoder.Size(msg)
			require.NoError(t, err)

			buf := make([]byte, size)
			n, err := encoder.Encode(msg, buf)
			require.NoError(t, err)
			assert.Equal(t, size, n)

			decoded, err := encoder.Decode(buf[:n])
			require.NoError(t, err)
			require.Len(t, decoded.Options, len(tt.options))
			for i, opt := range tt.options {
				assert.Equal(t, opt.ID, decoded.Options[i].ID)
				assert.True(t, bytes.Equal(opt.Value, decoded.Options[i].Value))
			}
		})
	}
}

// TestEncoder_EncodeDecodePayload 测试负载编码（含分隔符）
func TestEncoder_EncodeDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "无负载", payload: nil},
		{name: "文本负载", payload: []byte("Hello, CoAP!")},
		{name: "包含0xFF的二进制负载", payload: []byte{0xFF, 0x00, 0xFF}},
		{name: "大负载", payload: bytes.Repeat([]byte("x"), 1024)},
	}

	encoder := NewEncoder()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Type: NonConfirmable, Code: Content, MessageID: 7, Payload: tt.payload}
			msg.Options.SetUint(ContentFormat, AppOctetStream)

			data, err := encoder.Marshal(msg)
			require.NoError(t, err)
			decoded, err := encoder.Decode(data)
			require.NoError(t, err)

			if len(tt.payload) == 0 {
				assert.Empty(t, decoded.Payload)
			} else {
				assert.Equal(t, tt.payload, decoded.Payload)
			}
			cf, ok, err := decoded.Options.GetUint(ContentFormat)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, AppOctetStream, cf)
		})
	}
}

// TestEncoder_EncodeErrors 测试编码错误：缓冲区不足与非法消息
func TestEncoder_EncodeErrors(t *testing.T) {
	encoder := NewEncoder()
	msg := &Message{Type: Confirmable, Code: GET, MessageID: 1, Payload: []byte("abc")}

	size, err := encoder.Size(msg)
	require.NoError(t, err)
	_, err = encoder.Encode(msg, make([]byte, size-1))
	assert.ErrorIs(t, err, ErrTooSmall)

	unsorted := &Message{Code: GET, Options: Options{{ID: URIQuery}, {ID: URIPath}}}
	_, err = encoder.Marshal(unsorted)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	emptyWithToken := &Message{Type: Acknowledgement, Code: Empty, Token: token.MustNew([]byte{1})}
	_, err = encoder.Marshal(emptyWithToken)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = encoder.Marshal(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// TestEncoder_DecodeMalformed 测试各类格式错误的输入均返回ErrMalformed
func TestEncoder_DecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "头部不足4字节", data: []byte{0x40, 0x01, 0x00}},
		{name: "版本号为2", data: []byte{0x80, 0x01, 0x00, 0x01}},
		{name: "令牌长度9", data: []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{name: "令牌被截断", data: []byte{0x44, 0x01, 0x00, 0x01, 0xAA}},
		{name: "空消息携带令牌", data: []byte{0x41, 0x00, 0x00, 0x01, 0xAA}},
		{name: "空消息后有多余字节", data: []byte{0x60, 0x00, 0x00, 0x01, 0xB1}},
		{name: "负载分隔符后无数据", data: []byte{0x40, 0x01, 0x00, 0x01, 0xFF}},
		{name: "delta为保留值15", data: []byte{0x40, 0x01, 0x00, 0x01, 0xF1, 0x00}},
		{name: "长度为保留值15", data: []byte{0x40, 0x01, 0x00, 0x01, 0xBF}},
		{name: "扩展delta被截断", data: []byte{0x40, 0x01, 0x00, 0x01, 0xE0, 0x01}},
		{name: "选项值越界", data: []byte{0x40, 0x01, 0x00, 0x01, 0xB4, 'a', 'b'}},
		{
			// 第一个选项号65000，第二个delta再加1000，累加超过65535
			name: "选项号溢出（选项乱序）",
			data: []byte{0x40, 0x01, 0x00, 0x01, 0xE0, 0xFC, 0xDB, 0xE0, 0x02, 0xDB},
		},
	}

	encoder := NewEncoder()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := encoder.Decode(tt.data)
			assert.Nil(t, msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)

			var decErr *DecodeError
			assert.ErrorAs(t, err, &decErr)
		})
	}
}

// TestEncoder_DecodedOptionsOrdered 解码结果中的选项号总是非递减
func TestEncoder_DecodedOptionsOrdered(t *testing.T) {
	encoder := NewEncoder()
	msg := &Message{Type: Confirmable, Code: POST, MessageID: 9}
	msg.Options.SetUint(Size1, 2048)
	msg.Options.Add(URIQuery, []byte("b=2"))
	msg.Options.SetPath("/rd/5")
	msg.Options.Add(URIQuery, []byte("a=1"))
	msg.Options.SetUint(ContentFormat, AppLinkFormat)

	data, err := encoder.Marshal(msg)
	require.NoError(t, err)
	decoded, err := encoder.Decode(data)
	require.NoError(t, err)

	assert.True(t, decoded.Options.Sorted())
	assert.Equal(t, "/rd/5", decoded.Options.Path())
	assert.Equal(t, [][]byte{[]byte("b=2"), []byte("a=1")}, decoded.Options.GetAll(URIQuery))
}

// BenchmarkEncoder_Encode 编码性能基准测试
func BenchmarkEncoder_Encode(b *testing.B) {
	encoder := NewEncoder()
	msg := &Message{
		Type:      Confirmable,
		Code:      POST,
		MessageID: 0x1234,
		Token:     token.MustNew([]byte{0x01, 0x02, 0x03, 0x04}),
		Payload:   []byte(`{"deviceId":"test123","deviceName":"Test Device"}`),
	}
	msg.Options.SetPath("/rd")
	msg.Options.SetUint(ContentFormat, AppLinkFormat)
	buf := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = encoder.Encode(msg, buf)
	}
}

// BenchmarkEncoder_Decode 解码性能基准测试
func BenchmarkEncoder_Decode(b *testing.B) {
	encoder := NewEncoder()
	msg := &Message{
		Type:      Confirmable,
		Code:      POST,
		MessageID: 0x1234,
		Token:     token.MustNew([]byte{0x01, 0x02, 0x03, 0x04}),
		Payload:   []byte(`{"deviceId":"test123","deviceName":"Test Device"}`),
	}
	msg.Options.SetPath("/rd")
	data, _ := encoder.Marshal(msg)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = encoder.Decode(data)
	}
}
