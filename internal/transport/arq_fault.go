// =============================================================================
// 文件: internal/transport/arq_fault.go
// 描述: ARQ 可靠传输 - 故障注入 (丢包 / 校验和损坏模拟)
//       每个端点持有独立的 PRNG，可通过种子复现
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mrcgq/rudp/internal/prng"
)

// ErrRateOutOfRange 故障概率不在 [0,1]
var ErrRateOutOfRange = errors.New("故障概率超出 [0,1] 范围")

// FaultPolicy 故障策略
type FaultPolicy struct {
	LossRate       float64
	CorruptionRate float64
}

// Validate 校验策略，越界直接报错，不做截断
func (p FaultPolicy) Validate() error {
	if !rateInRange(p.LossRate) {
		return fmt.Errorf("%w: loss_rate=%v", ErrRateOutOfRange, p.LossRate)
	}
	if !rateInRange(p.CorruptionRate) {
		return fmt.Errorf("%w: corruption_rate=%v", ErrRateOutOfRange, p.CorruptionRate)
	}
	return nil
}

func rateInRange(r float64) bool {
	return !math.IsNaN(r) && r >= 0 && r <= 1
}

// FaultInjector 故障注入器
// 丢包与损坏使用两条独立的随机流，互不影响
type FaultInjector struct {
	loss       *prng.PRNG
	corruption *prng.PRNG

	policy FaultPolicy
	mu     sync.RWMutex
}

// NewFaultInjector 使用随机种子创建
func NewFaultInjector() (*FaultInjector, error) {
	seed, err := prng.NewSeed()
	if err != nil {
		return nil, err
	}
	return newFaultInjectorFromSeed(seed), nil
}

// NewSeededFaultInjector 使用固定种子创建，便于测试复现
func NewSeededFaultInjector(seed int64) *FaultInjector {
	return newFaultInjectorFromSeed(prng.SeedFromInt64(seed, "fault"))
}

func newFaultInjectorFromSeed(seed *prng.Seed) *FaultInjector {
	var lossSeed, corruptSeed prng.Seed
	copy(lossSeed[:], seed[:])
	copy(corruptSeed[:], seed[:])
	// 两条流的 nonce 空间相同，用首字节区分密钥
	corruptSeed[0] ^= 0x5A

	return &FaultInjector{
		loss:       prng.NewWithSeed(&lossSeed),
		corruption: prng.NewWithSeed(&corruptSeed),
	}
}

// SetPolicy 设置策略
func (f *FaultInjector) SetPolicy(p FaultPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.policy = p
	f.mu.Unlock()
	return nil
}

// Policy 当前策略
func (f *FaultInjector) Policy() FaultPolicy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.policy
}

// DecideLoss 本次发送是否模拟丢失
func (f *FaultInjector) DecideLoss() bool {
	f.mu.RLock()
	rate := f.policy.LossRate
	f.mu.RUnlock()
	return f.loss.FlipWeightedCoin(rate)
}

// DecideCorruption 本次编码是否模拟损坏
func (f *FaultInjector) DecideCorruption() bool {
	f.mu.RLock()
	rate := f.policy.CorruptionRate
	f.mu.RUnlock()
	return f.corruption.FlipWeightedCoin(rate)
}
