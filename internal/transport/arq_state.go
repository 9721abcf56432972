// =============================================================================
// 文件: internal/transport/arq_state.go
// 描述: ARQ 可靠传输 - 连接状态机
//       状态与 1 位序列号只在这里变更，调用方负责串行化
// =============================================================================
package transport

import "fmt"

// arqStateMachine 单端连接状态
type arqStateMachine struct {
	state ARQState

	nextSendSeq     uint8 // 下一个本端发起帧的序列号
	expectedRecvSeq uint8 // 期望的下一个入站数据帧序列号
	peerSeq         uint8 // 对端握手序列号 (SYN 或 SYNACK 的 seq)

	// 状态迁移回调
	onChange func(from, to ARQState)
}

func newARQStateMachine(onChange func(from, to ARQState)) *arqStateMachine {
	return &arqStateMachine{
		state:    ARQStateClosed,
		onChange: onChange,
	}
}

func (m *arqStateMachine) set(to ARQState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
}

func (m *arqStateMachine) flipSend() { m.nextSendSeq ^= 1 }
func (m *arqStateMachine) flipRecv() { m.expectedRecvSeq ^= 1 }

// CanSend 出站合法性
func (m *arqStateMachine) CanSend(flag Flag) error {
	ok := false
	switch flag {
	case FlagSYN:
		ok = m.state == ARQStateClosed
	case FlagSYNACK:
		ok = m.state == ARQStateSynReceived
	case FlagDATA:
		ok = m.state == ARQStateEstablished
	case FlagFIN:
		ok = m.state == ARQStateEstablished || m.state == ARQStateClosing
	case FlagACK, FlagFINACK:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: 状态 %s 不能发送 %s", ErrInvalidState, m.state, flag)
	}
	return nil
}

// Accepts 入站合法性
// FIN 在任何状态都合法: 关闭后对端重传的 FIN 也需要回复 FINACK
func (m *arqStateMachine) Accepts(flag Flag) bool {
	if flag == FlagFIN {
		return true
	}
	switch m.state {
	case ARQStateClosed:
		return flag == FlagSYN
	case ARQStateConnecting:
		return flag == FlagSYNACK
	case ARQStateSynReceived:
		return flag == FlagACK || flag == FlagSYN || flag == FlagDATA
	case ARQStateEstablished:
		return flag == FlagDATA || flag == FlagACK || flag == FlagSYNACK
	case ARQStateClosing:
		return flag == FlagFINACK
	}
	return false
}

// StartConnect CLOSED -> CONNECTING，返回 SYN 的序列号
func (m *arqStateMachine) StartConnect() (uint8, error) {
	if err := m.CanSend(FlagSYN); err != nil {
		return 0, err
	}
	m.set(ARQStateConnecting)
	return m.nextSendSeq, nil
}

// OnSynAck CONNECTING -> ESTABLISHED
// 返回最终 ACK 应确认的序列号
func (m *arqStateMachine) OnSynAck(f *Frame) (uint8, bool) {
	if m.state != ARQStateConnecting || f.Ack != m.nextSendSeq {
		return 0, false
	}
	m.peerSeq = f.Seq
	m.expectedRecvSeq = f.Seq ^ 1
	m.flipSend()
	m.set(ARQStateEstablished)
	return f.Seq, true
}

// OnSyn CLOSED -> SYN_RECEIVED，返回 SYNACK 的序列号
func (m *arqStateMachine) OnSyn(f *Frame) (uint8, error) {
	if m.state != ARQStateClosed {
		return 0, fmt.Errorf("%w: 状态 %s 收到 SYN", ErrInvalidState, m.state)
	}
	m.peerSeq = f.Seq
	m.expectedRecvSeq = f.Seq ^ 1
	m.set(ARQStateSynReceived)
	return m.nextSendSeq, nil
}

// OnFinalAck SYN_RECEIVED -> ESTABLISHED
func (m *arqStateMachine) OnFinalAck(f *Frame) bool {
	if m.state != ARQStateSynReceived || f.Ack != m.nextSendSeq {
		return false
	}
	m.flipSend()
	m.set(ARQStateEstablished)
	return true
}

// OnImplicitEstablish SYN_RECEIVED 收到数据帧: 对端必然已建立，最终 ACK 丢失
func (m *arqStateMachine) OnImplicitEstablish() bool {
	if m.state != ARQStateSynReceived {
		return false
	}
	m.flipSend()
	m.set(ARQStateEstablished)
	return true
}

// IsDuplicateSynAck 已建立后收到的重复 SYNACK
func (m *arqStateMachine) IsDuplicateSynAck(f *Frame) bool {
	return m.state == ARQStateEstablished && f.Flags == FlagSYNACK && f.Seq == m.peerSeq
}

// StartClose ESTABLISHED -> CLOSING，返回 FIN 的序列号
func (m *arqStateMachine) StartClose() (uint8, error) {
	if m.state != ARQStateEstablished {
		return 0, fmt.Errorf("%w: 状态 %s 不能关闭", ErrInvalidState, m.state)
	}
	m.set(ARQStateClosing)
	return m.nextSendSeq, nil
}

// OnPeerFin 任意状态 -> CLOSED
// 返回 true 表示同时关闭 (本端也处于 CLOSING)
func (m *arqStateMachine) OnPeerFin() bool {
	simultaneous := m.state == ARQStateClosing
	m.set(ARQStateClosed)
	return simultaneous
}

// OnFinAck CLOSING -> CLOSED
func (m *arqStateMachine) OnFinAck(f *Frame) bool {
	if m.state != ARQStateClosing || f.Ack != m.nextSendSeq {
		return false
	}
	m.flipSend()
	m.set(ARQStateClosed)
	return true
}

// Reset 强制回到 CLOSED (握手失败 / 强制关闭)
func (m *arqStateMachine) Reset() {
	m.set(ARQStateClosed)
}
