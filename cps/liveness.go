// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Post-register-allocation liveness.  This is a coarser analysis
// than the one register allocation itself uses (that one works in
// terms of program points within a block; this one only needs
// block-granularity live-out sets), computed fresh here because
// permutation lowering runs after the allocator's own liveness
// information has gone stale -- emitting copies and exchanges adds
// and removes call nodes continuously.

package cps

import (
	"github.com/s48/transform/util"
)

type LivenessT struct {
	// live-in set of variables, indexed by the block's Start call; a
	// block's live-out set is the union of its successors' entries
	liveOut map[*CallNodeT]util.SetT[*VariableT]
	blocks  []*BlockT
}

// ComputeLiveness computes live-in variable sets for every basic
// block reachable from proc, iterating to a fixed point over the
// block graph (blocks are few enough, and loops rare enough in this
// representation, that worklist bookkeeping isn't worth it).
func ComputeLiveness(proc *CallNodeT) *LivenessT {
	blocks := FindBasicBlocks[*BlockT](proc, MakeBlock)
	liveness := &LivenessT{liveOut: map[*CallNodeT]util.SetT[*VariableT]{}, blocks: blocks}
	for _, block := range blocks {
		liveness.liveOut[block.Start] = util.NewSet[*VariableT]()
	}

	changed := true
	for changed {
		changed = false
		for _, block := range blocks {
			live := util.NewSet[*VariableT]()
			for _, next := range block.Next {
				live = live.Union(liveness.liveOut[next.Start])
			}
			live = propagateBackward(block, live)
			old := liveness.liveOut[block.Start]
			if !setsEqual(old, live) {
				liveness.liveOut[block.Start] = live
				changed = true
			}
		}
	}
	return liveness
}

// blockCalls returns block's calls in schedule order, Start through
// End inclusive.
func blockCalls(block *BlockT) []*CallNodeT {
	calls := []*CallNodeT{}
	for call := block.Start; ; call = call.Next[0] {
		calls = append(calls, call)
		if call == block.End {
			break
		}
	}
	return calls
}

// propagateBackward walks block's calls from End to Start, killing
// each call's outputs and then adding its referenced variables,
// returning the set live at block's Start (i.e. live-in, which the
// caller folds into the predecessor's live-out via the block graph).
func propagateBackward(block *BlockT, liveAtEnd util.SetT[*VariableT]) util.SetT[*VariableT] {
	live := util.NewSet[*VariableT]()
	live.Add(liveAtEnd.Members()...)
	calls := blockCalls(block)
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		for _, output := range call.Outputs {
			live.Remove(output)
		}
		for _, rawInput := range call.Inputs {
			if ref, ok := rawInput.(*ReferenceNodeT); ok {
				live.Add(ref.Variable)
			}
		}
	}
	return live
}

func setsEqual(a util.SetT[*VariableT], b util.SetT[*VariableT]) bool {
	if len(a) != len(b) {
		return false
	}
	for member := range a {
		if !b.Contains(member) {
			return false
		}
	}
	return true
}

// LiveAfter returns the set of variables live immediately after
// call (i.e. live-in to call.Next[0]), computed by re-walking call's
// containing block from its end.  Lowering calls this once per
// permutation node, not in a hot loop, so a re-walk is simpler than
// threading point-wise liveness through the emitter.
func (liveness *LivenessT) LiveAfter(call *CallNodeT) util.SetT[*VariableT] {
	block := ContainingBlock(call).(*BlockT)
	live := util.NewSet[*VariableT]()
	for _, next := range block.Next {
		live = live.Union(liveness.liveOut[next.Start])
	}
	calls := blockCalls(block)
	for i := len(calls) - 1; i >= 0 && calls[i] != call; i-- {
		c := calls[i]
		for _, output := range c.Outputs {
			live.Remove(output)
		}
		for _, rawInput := range c.Inputs {
			if ref, ok := rawInput.(*ReferenceNodeT); ok {
				live.Add(ref.Variable)
			}
		}
	}
	return live
}

// ValuesInterfere reports whether a and b are ever simultaneously
// live, walking every block reachable from proc's entry (via the
// blocks ComputeLiveness already found) and, within each, replaying
// the same backward kill/add sweep LiveAfter and propagateBackward
// use, stopping as soon as both are found live at some program
// point. This is the oracle the Push-Through pass's movability test
// is built on: a value N would read can be sunk past a permutation P
// only if doing so would not make it interfere with something P's
// remaining outputs still need alive.
func ValuesInterfere(liveness *LivenessT, a *VariableT, b *VariableT) bool {
	if a == nil || b == nil || a == b {
		return false
	}
	for _, block := range liveness.blocks {
		if pairLiveInBlock(liveness, block, a, b) {
			return true
		}
	}
	return false
}

// pairLiveInBlock reports whether a and b are both members of the
// live set at some program point within block, sweeping backward
// from the block's live-out set exactly as propagateBackward does.
func pairLiveInBlock(liveness *LivenessT, block *BlockT, a *VariableT, b *VariableT) bool {
	live := util.NewSet[*VariableT]()
	for _, next := range block.Next {
		live = live.Union(liveness.liveOut[next.Start])
	}
	if live.Contains(a) && live.Contains(b) {
		return true
	}
	calls := blockCalls(block)
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		for _, output := range call.Outputs {
			live.Remove(output)
		}
		for _, rawInput := range call.Inputs {
			if ref, ok := rawInput.(*ReferenceNodeT); ok {
				live.Add(ref.Variable)
			}
		}
		if live.Contains(a) && live.Contains(b) {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------
// 4.5 Free-Register Oracle

// FindFreeRegisters returns, for every permutation node in proc, a
// register of the node's register class that holds no live value
// immediately after the permutation and is not itself one of the
// permutation's own operands -- or nil if every register of the
// class is occupied. This mirrors libFirm's reverse walk from each
// Perm to the end of its block: a register is free for the Perm if
// nothing live past the Perm, nor read by the Perm itself, is
// assigned to it. Virtual registers never count as occupying a
// class's physical numbering, since the allocator hasn't given them
// a real slot yet.
func FindFreeRegisters(proc *CallNodeT, liveness *LivenessT) map[*CallNodeT]RegisterT {
	free := map[*CallNodeT]RegisterT{}
	for _, perm := range findPermNodes(proc) {
		if len(perm.Outputs) == 0 {
			continue
		}
		class := perm.Outputs[0].Register.Class()
		occupied := uint64(0)
		markOccupied := func(vart *VariableT) {
			if vart == nil || vart.Register == nil || vart.Register.IsVirtual() {
				return
			}
			if vart.Register.Class() == class {
				occupied |= uint64(1) << vart.Register.ClassIndex()
			}
		}
		for vart := range liveness.LiveAfter(perm) {
			markOccupied(vart)
		}
		for i := range perm.Inputs {
			markOccupied(perm.InputVariable(i))
		}
		available := class.AllocatableMask() &^ occupied
		if available == 0 {
			continue
		}
		for i, reg := range class.Registers {
			if available&(uint64(1)<<i) != 0 {
				free[perm] = reg
				break
			}
		}
	}
	return free
}
