// CoAP令牌（Token）：0-8字节的不透明值，用于关联请求与响应
package token

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/prng"
)

const (
	// MaxLength 令牌最大长度（RFC 7252限制为8字节）
	MaxLength = 8
	// HexBufferSize 十六进制渲染所需缓冲区大小（含结尾的NUL）
	HexBufferSize = 2*MaxLength + 1
)

// ErrTooLong 令牌长度超过8字节
var ErrTooLong = errors.New("token: length exceeds 8 bytes")

// Token 令牌值类型，按字节精确比较
// 长度为0的令牌是合法值；"不存在"通过调用方的ok返回值表达，而不是零值
type Token struct {
	bytes [MaxLength]byte
	size  uint8
}

// New 由字节切片构造令牌（复制数据）
func New(b []byte) (Token, error) {
	var t Token
	if len(b) > MaxLength {
		return t, fmt.Errorf("%w: %d", ErrTooLong, len(b))
	}
	copy(t.bytes[:], b)
	t.size = uint8(len(b))
	return t, nil
}

// MustNew 与New相同，长度非法时panic（仅用于常量场景和测试）
func MustNew(b []byte) Token {
	t, err := New(b)
	if err != nil {
		panic(err)
	}
	return t
}

// Generate 生成n字节随机令牌，n大于MaxLength时截断为MaxLength
func Generate(src *prng.Source, n int) Token {
	if n > MaxLength {
		n = MaxLength
	}
	if n < 0 {
		n = 0
	}
	var t Token
	src.Read(t.bytes[:n])
	t.size = uint8(n)
	return t
}

// Bytes 返回令牌字节的副本视图
func (t Token) Bytes() []byte {
	b := t.bytes
	return b[:t.size]
}

// Len 令牌长度
func (t Token) Len() int { return int(t.size) }

// Equal 字节精确比较（长度不同即不同）
func (t Token) Equal(o Token) bool {
	return t.size == o.size && t.bytes == o.bytes
}

// Hex 以小写十六进制渲染令牌，供日志使用
func (t Token) Hex() string {
	var buf [HexBufferSize]byte
	n := t.AppendHex(&buf)
	return string(buf[:n])
}

// AppendHex 将十六进制表示写入固定大小缓冲区并以NUL结尾，返回不含NUL的长度
func (t Token) AppendHex(buf *[HexBufferSize]byte) int {
	n := hex.Encode(buf[:], t.bytes[:t.size])
	buf[n] = 0
	return n
}

func (t Token) String() string { return t.Hex() }
