package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSource_Deterministic 相同种子产生相同序列
func TestSource_Deterministic(t *testing.T) {
	a := NewFromUint64(42)
	b := NewFromUint64(42)

	for i := 0; i < 16; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}

	bufA := make([]byte, 13) // 非8的整数倍，覆盖尾部处理
	bufB := make([]byte, 13)
	assert.Equal(t, 13, a.Read(bufA))
	b.Read(bufB)
	assert.Equal(t, bufA, bufB)
}

// TestSource_Ranges 验证取值范围
func TestSource_Ranges(t *testing.T) {
	s, err := NewFromEntropy()
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		f := s.Float64()
		assert.True(t, f >= 0 && f < 1)
		n := s.Intn(7)
		assert.True(t, n >= 0 && n < 7)
	}
	assert.Equal(t, 0, s.Intn(0))
}
