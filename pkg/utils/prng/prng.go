// 提供显式传递的伪随机数上下文，用于令牌生成、消息ID起点与重传抖动
package prng

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// SeedSize 种子长度（ChaCha8要求32字节）
const SeedSize = 32

// Source 伪随机数源，不是并发安全的，由单一引擎上下文持有
type Source struct {
	r *rand.Rand
}

// New 使用给定种子创建确定性随机源（测试中用于复现）
func New(seed [SeedSize]byte) *Source {
	return &Source{r: rand.New(rand.NewChaCha8(seed))}
}

// NewFromEntropy 使用系统熵源作为种子创建随机源
func NewFromEntropy() (*Source, error) {
	var seed [SeedSize]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, err
	}
	return New(seed), nil
}

// NewFromUint64 以单个整数派生种子，便于测试中写出简短的种子
func NewFromUint64(v uint64) *Source {
	var seed [SeedSize]byte
	binary.LittleEndian.PutUint64(seed[:8], v)
	return New(seed)
}

// Read 用随机字节填充p，总是返回len(p)
func (s *Source) Read(p []byte) int {
	for i := 0; i < len(p); i += 8 {
		v := s.r.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p)
}

func (s *Source) Uint32() uint32 { return s.r.Uint32() }
func (s *Source) Uint64() uint64 { return s.r.Uint64() }

// Float64 返回[0,1)区间的随机浮点数
func (s *Source) Float64() float64 { return s.r.Float64() }

// Intn 返回[0,n)区间的随机整数，n<=0时返回0
func (s *Source) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.r.IntN(n)
}
