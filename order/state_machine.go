package order

import (
	"errors"
	"fmt"
)

// MappingState is the replication lifecycle of a CopyMapping.
type MappingState string

const (
	StateReceived        MappingState = "RECEIVED"
	StateSized           MappingState = "SIZED"
	StateSubmitted       MappingState = "SUBMITTED"
	StateOpen            MappingState = "OPEN"
	StatePartiallyFilled MappingState = "PARTIALLY_FILLED"
	StateExecuted        MappingState = "EXECUTED"
	StateCancelled       MappingState = "CANCELLED"
	StateRejected        MappingState = "REJECTED"
	StateExpired         MappingState = "EXPIRED"
	StateSkipped         MappingState = "SKIPPED"
	StateReconcile       MappingState = "RECONCILIATION_NEEDED"
)

// ErrIllegalTransition is returned for a backward or otherwise invalid move.
var ErrIllegalTransition = errors.New("illegal mapping state transition")

// StateTransition 状态转换
type StateTransition struct {
	From MappingState
	To   MappingState
}

// StateMachine 映射状态机：只允许前向转换，RECONCILIATION_NEEDED 可由任意非终态进入。
// 转换表在构造后只读，可并发使用。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// DefaultStateMachine is shared by stores; it holds no mutable state.
var DefaultStateMachine = NewStateMachine()

func (sm *StateMachine) initializeTransitions() {
	legal := []StateTransition{
		{StateReceived, StateSized},

		{StateSized, StateSubmitted},
		{StateSized, StateSkipped},

		// 下单响应可能已经是后续状态
		{StateSubmitted, StateOpen},
		{StateSubmitted, StatePartiallyFilled},
		{StateSubmitted, StateExecuted},
		{StateSubmitted, StateCancelled},
		{StateSubmitted, StateRejected},
		{StateSubmitted, StateExpired},

		{StateOpen, StatePartiallyFilled},
		{StateOpen, StateExecuted},
		{StateOpen, StateCancelled},
		{StateOpen, StateRejected},
		{StateOpen, StateExpired},

		{StatePartiallyFilled, StateExecuted},
		{StatePartiallyFilled, StateCancelled},
		{StatePartiallyFilled, StateExpired},
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
	for _, from := range []MappingState{StateReceived, StateSized, StateSubmitted, StateOpen, StatePartiallyFilled} {
		sm.transitions[StateTransition{From: from, To: StateReconcile}] = true
	}
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等。
func (sm *StateMachine) ValidateTransition(from, to MappingState) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current MappingState) []MappingState {
	allowed := make([]MappingState, 0)
	for t := range sm.transitions {
		if t.From == current {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// IsFinalState 判断是否是终态
func (s MappingState) IsFinalState() bool {
	switch s {
	case StateExecuted, StateCancelled, StateRejected, StateExpired, StateSkipped, StateReconcile:
		return true
	default:
		return false
	}
}

// HasLiveDestination reports whether a destination order may still be working.
func (s MappingState) HasLiveDestination() bool {
	switch s {
	case StateSubmitted, StateOpen, StatePartiallyFilled:
		return true
	default:
		return false
	}
}

// MappingStateFor translates a broker status observed on the destination side.
func MappingStateFor(s SourceStatus) (MappingState, bool) {
	switch s {
	case SourcePending, SourceTransit, SourceOpen:
		return StateOpen, true
	case SourcePartial, SourcePartTraded:
		return StatePartiallyFilled, true
	case SourceExecuted:
		return StateExecuted, true
	case SourceCancelled:
		return StateCancelled, true
	case SourceRejected:
		return StateRejected, true
	case SourceExpired:
		return StateExpired, true
	}
	return "", false
}
