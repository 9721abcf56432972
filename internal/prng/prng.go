// =============================================================================
// 文件: internal/prng/prng.go
// 描述: 可播种伪随机数发生器 - chacha20 密钥流，供故障注入使用
//       同一种子产生同一序列，测试可复现；不可用于任何安全用途
// =============================================================================
package prng

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	SeedLength = 32

	// chacha20 单个 nonce 的密钥流上限为 2^38-64 字节
	maxStreamBytes = uint64(1<<38 - 64)
)

// Seed PRNG 种子
type Seed [SeedLength]byte

// NewSeed 使用 crypto/rand 生成随机种子
func NewSeed() (*Seed, error) {
	seed := new(Seed)
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("生成种子失败: %w", err)
	}
	return seed, nil
}

// SeedFromInt64 由整数派生种子 (HKDF-SHA256)，便于配置文件和测试指定
func SeedFromInt64(n int64, salt string) *Seed {
	var secret [8]byte
	binary.BigEndian.PutUint64(secret[:], uint64(n))

	seed := new(Seed)
	// hkdf 读取 32 字节不会失败
	io.ReadFull(hkdf.New(sha256.New, secret[:], []byte(salt), nil), seed[:])
	return seed
}

// PRNG 基于 chacha20 的伪随机数发生器，并发安全
type PRNG struct {
	mu         sync.Mutex
	seed       *Seed
	stream     *chacha20.Cipher
	streamUsed uint64
	rekeys     uint64
}

// New 使用随机种子创建 PRNG
func New() (*PRNG, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, err
	}
	return NewWithSeed(seed), nil
}

// NewWithSeed 使用指定种子创建 PRNG
func NewWithSeed(seed *Seed) *PRNG {
	p := &PRNG{seed: seed}
	p.rekey()
	return p
}

// Read 读取密钥流，总是返回 len(b), nil
func (p *PRNG) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streamUsed+uint64(len(b)) >= maxStreamBytes {
		p.rekey()
	}

	for i := range b {
		b[i] = 0
	}
	p.stream.XORKeyStream(b, b)
	p.streamUsed += uint64(len(b))

	return len(b), nil
}

// rekey 用计数器作为 nonce 重新初始化密钥流，种子不变
func (p *PRNG) rekey() {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], p.rekeys)

	stream, err := chacha20.NewUnauthenticatedCipher(p.seed[:], nonce[:])
	if err != nil {
		// 密钥和 nonce 长度固定，不会出错
		panic(fmt.Sprintf("chacha20 初始化失败: %v", err))
	}

	p.stream = stream
	p.streamUsed = 0
	p.rekeys++
}

// Uint64 返回随机 uint64
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Float64 返回 [0,1) 均匀分布的浮点数
func (p *PRNG) Float64() float64 {
	// 取高 53 位，恰好填满 float64 尾数
	return float64(p.Uint64()>>11) / (1 << 53)
}

// FlipWeightedCoin 以 weight 概率返回 true
// weight <= 0 恒为 false，weight >= 1 恒为 true
func (p *PRNG) FlipWeightedCoin(weight float64) bool {
	if weight <= 0 || math.IsNaN(weight) {
		return false
	}
	if weight >= 1 {
		return true
	}
	return p.Float64() < weight
}

// Intn 返回 [0,n) 的随机整数，n <= 0 时返回 0
func (p *PRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(p.Uint64() % uint64(n))
}
