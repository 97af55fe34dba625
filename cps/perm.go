// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Lowering of permutation nodes into copies and exchanges, run
// after register allocation.  A permutation node is an ordinary
// call whose primop is "perm": it has n inputs, each a reference to
// some register-bearing variable, and n outputs, each already
// carrying the register it must end up in.  An "exchange" is the
// arity-2 special case: lowering recognizes a perm that is a single
// 2-cycle from its register sets, renames it to "exchange" and
// leaves it in place, after which findPermNodes, which collects only
// "perm" calls, no longer picks it up.

package cps

import (
	"fmt"
)

//----------------------------------------------------------------
// Primops.

type PermPrimopT struct{}

func (primop *PermPrimopT) Name() string             { return "perm" }
func (primop *PermPrimopT) SideEffects() bool         { return false }
func (primop *PermPrimopT) Simplify(call *CallNodeT)  { DefaultSimplify(call) }
func (primop *PermPrimopT) RegisterUsage(call *CallNodeT) ([]*RegUseSpecT, []*RegUseSpecT) {
	panic("perm node register usage is assigned directly, not derived")
}

type ExchangePrimopT struct{}

func (primop *ExchangePrimopT) Name() string             { return "exchange" }
func (primop *ExchangePrimopT) SideEffects() bool        { return false }
func (primop *ExchangePrimopT) Simplify(call *CallNodeT) { DefaultSimplify(call) }
func (primop *ExchangePrimopT) RegisterUsage(call *CallNodeT) ([]*RegUseSpecT, []*RegUseSpecT) {
	panic("exchange node register usage is assigned directly, not derived")
}

// An unspillable move into a single register, used both by the
// permutation emitter and by the constraint assurer.

type CopyPrimopT struct{}

func (primop *CopyPrimopT) Name() string             { return "copy" }
func (primop *CopyPrimopT) SideEffects() bool        { return false }
func (primop *CopyPrimopT) Simplify(call *CallNodeT) { DefaultSimplify(call) }
func (primop *CopyPrimopT) RegisterUsage(call *CallNodeT) ([]*RegUseSpecT, []*RegUseSpecT) {
	panic("copy node register usage is assigned directly, not derived")
}

func addPermPrimops() {
	addPrimop(&PermPrimopT{})
	addPrimop(&ExchangePrimopT{})
	addPrimop(&CopyPrimopT{})
	addPrimop(&KeepPrimopT{})
	addPrimop(&CopyKeepPrimopT{})
}

func init() {
	addPermPrimops()
}

//----------------------------------------------------------------
// Register pairs and move descriptors.

// A working record for one (operand, output) slot of a permutation
// that still needs to move a value.  Lives only for the duration of
// lowering one permutation node.
type regPairT struct {
	inReg    RegisterT
	inValue  *VariableT // the operand's variable, pre-permutation
	outReg   RegisterT
	outValue *VariableT // the output variable that must receive outReg
	checked  bool
}

type moveKindT int

const (
	moveChain moveKindT = iota
	moveCycle
)

type moveT struct {
	kind  moveKindT
	elems []RegisterT
}

//----------------------------------------------------------------
// 4.1 Pair Builder

// buildPairs extracts the register pairs of perm, eliding slots
// whose operand and output already share a register.  It returns
// the remaining pairs together with the output variables that were
// elided (and so belong to perm once it is finally erased).
func buildPairs(perm *CallNodeT) ([]*regPairT, []*VariableT) {
	pairs := make([]*regPairT, 0, len(perm.Outputs))
	elided := []*VariableT{}
	for i, outVar := range perm.Outputs {
		inVar := perm.InputVariable(i)
		if inVar == nil {
			panic("perm operand is not a variable reference: " + CallString(perm))
		}
		if inVar.Register == nil || outVar.Register == nil {
			panic(fmt.Sprintf("perm operand %s_%d or output %s_%d has no assigned register",
				inVar.Name, inVar.Id, outVar.Name, outVar.Id))
		}
		if inVar.Register.Class() != outVar.Register.Class() {
			panic("perm mixes register classes: " + CallString(perm))
		}
		if inVar.Register == outVar.Register {
			spliceOutputOnto(outVar, inVar)
			elided = append(elided, outVar)
			continue
		}
		pairs = append(pairs, &regPairT{
			inReg: inVar.Register, inValue: inVar,
			outReg: outVar.Register, outValue: outVar,
		})
	}
	return pairs, elided
}

// Redirect every existing reference to outVar so that it refers to
// inVar instead.  Used both for no-op perm slots and, indirectly,
// nowhere else -- the lowered copies and exchanges below rebind the
// output variables' Binder in place rather than rewriting refs.
func spliceOutputOnto(outVar *VariableT, inVar *VariableT) {
	refs := append([]*ReferenceNodeT{}, outVar.Refs...)
	for _, ref := range refs {
		ReplaceInput(ref, MakeReferenceNode(inVar))
	}
}

//----------------------------------------------------------------
// 4.2 Cycle Decomposer

func decomposeCycles(pairs []*regPairT) []*moveT {
	byOutReg := map[RegisterT]*regPairT{}
	byInReg := map[RegisterT]*regPairT{}
	for _, pair := range pairs {
		byOutReg[pair.outReg] = pair
		byInReg[pair.inReg] = pair
	}

	moves := []*moveT{}
	for _, s := range pairs {
		if s.checked {
			continue
		}
		startOutReg := s.outReg
		head := s.inReg
		start := s
		kind := moveCycle
		for head != startOutReg {
			prev, found := byOutReg[head]
			if !found {
				kind = moveChain
				break
			}
			head = prev.inReg
			start = prev
		}

		elems := []RegisterT{start.inReg, start.outReg}
		cur := start.outReg
		for cur != head {
			next, found := byInReg[cur]
			if !found {
				break
			}
			cur = next.outReg
			if cur != head {
				elems = append(elems, cur)
			}
		}

		for _, r := range elems {
			if p, ok := byInReg[r]; ok {
				p.checked = true
			}
			if p, ok := byOutReg[r]; ok {
				p.checked = true
			}
		}
		moves = append(moves, &moveT{kind: kind, elems: elems})
	}
	return moves
}

//----------------------------------------------------------------
// 4.3 Move Emitter

// emitMoves realizes every move of a decomposed permutation,
// inserting the new instructions immediately before perm (which
// still sits in the schedule) in execution order, and rebinding the
// consumed output variables in place so existing users are
// unaffected.
func emitMoves(perm *CallNodeT, moves []*moveT, pairs []*regPairT, scratch RegisterT) {
	byInReg := map[RegisterT]*regPairT{}
	byOutReg := map[RegisterT]*regPairT{}
	for _, pair := range pairs {
		byInReg[pair.inReg] = pair
		byOutReg[pair.outReg] = pair
	}

	for _, move := range moves {
		switch move.kind {
		case moveChain:
			emitChain(perm, move, byInReg, byOutReg)
		case moveCycle:
			if scratch != nil && len(move.elems) > 2 {
				emitCycleWithScratch(perm, move, byInReg, byOutReg, scratch)
			} else {
				emitCycleAsSwaps(perm, move, byInReg, byOutReg)
			}
		}
	}
}

func emitChain(perm *CallNodeT, move *moveT, byInReg map[RegisterT]*regPairT, byOutReg map[RegisterT]*regPairT) {
	k := len(move.elems)
	for i := k - 2; i >= 0; i-- {
		srcVar := byInReg[move.elems[i]].inValue
		dstVar := byOutReg[move.elems[i+1]].outValue
		emitCopyInto(perm, srcVar, dstVar)
	}
}

func emitCycleWithScratch(perm *CallNodeT, move *moveT, byInReg map[RegisterT]*regPairT,
	byOutReg map[RegisterT]*regPairT, scratch RegisterT) {

	k := len(move.elems)
	lastVar := byInReg[move.elems[k-1]].inValue
	scratchVar := MakeVariable("scratch", lastVar.Type)
	scratchVar.Register = scratch
	emitCopyInto(perm, lastVar, scratchVar)

	for i := k - 2; i >= 0; i-- {
		srcVar := byInReg[move.elems[i]].inValue
		dstVar := byOutReg[move.elems[i+1]].outValue
		emitCopyInto(perm, srcVar, dstVar)
	}

	firstVar := byOutReg[move.elems[0]].outValue
	emitCopyInto(perm, scratchVar, firstVar)
}

// Exchanges are built in the same i = k-2 downto 0 order as chains;
// InsertCallParent always splices the newest node immediately before
// perm, so iterating from the first-executed exchange to the last
// (closest to perm) reproduces the correct schedule automatically.
func emitCycleAsSwaps(perm *CallNodeT, move *moveT, byInReg map[RegisterT]*regPairT, byOutReg map[RegisterT]*regPairT) {
	k := len(move.elems)
	override := map[RegisterT]*VariableT{}
	for i := k - 2; i >= 0; i-- {
		aReg, bReg := move.elems[i], move.elems[i+1]
		aVar := byInReg[aReg].inValue
		bVar, ok := override[bReg]
		if !ok {
			bVar = byInReg[bReg].inValue
		}

		outB := byOutReg[bReg].outValue
		var outA *VariableT
		if i > 0 {
			outA = MakeVariable(aVar.Name, aVar.Type)
			outA.Register = aReg
			override[aReg] = outA
		} else {
			outA = byOutReg[aReg].outValue
		}

		call := MakeCall(LookupPrimop("exchange"), []*VariableT{outB, outA},
			MakeReferenceNode(aVar), MakeReferenceNode(bVar))
		call.Name = "xchg"
		InsertCallParent(perm, call)
	}
}

// emitCopyInto rebinds dstVar -- an existing permutation output --
// onto a fresh copy instruction, preserving dstVar's identity (and
// hence every existing reference to it) so no splicing is needed.
func emitCopyInto(perm *CallNodeT, srcVar *VariableT, dstVar *VariableT) {
	call := MakeCall(LookupPrimop("copy"), []*VariableT{dstVar}, MakeReferenceNode(srcVar))
	call.Name = "cpy"
	InsertCallParent(perm, call)
}

//----------------------------------------------------------------
// Driver

// lowerPermNode lowers a single permutation node, leaving arity-2
// single-cycle permutations (true exchanges) untouched.
func lowerPermNode(perm *CallNodeT, freeRegs map[*CallNodeT]RegisterT) {
	if isDegenerateExchange(perm) {
		perm.Primop = LookupPrimop("exchange")
		perm.Name = "xchg"
		return
	}

	pairs, elided := buildPairs(perm)
	if len(pairs) == 0 {
		perm.Outputs = elided
		RemoveCall(perm)
		return
	}

	moves := decomposeCycles(pairs)
	emitMoves(perm, moves, pairs, freeRegs[perm])

	perm.Outputs = elided
	RemoveCall(perm)
}

func isDegenerateExchange(perm *CallNodeT) bool {
	if len(perm.Outputs) != 2 {
		return false
	}
	in0, in1 := perm.InputVariable(0), perm.InputVariable(1)
	out0, out1 := perm.Outputs[0], perm.Outputs[1]
	if in0 == nil || in1 == nil || in0.Register == nil || in1.Register == nil ||
		out0.Register == nil || out1.Register == nil {
		return false
	}
	return in0.Register == out1.Register && in1.Register == out0.Register && in0.Register != out0.Register
}

// LowerNodesAfterRA runs Push-Through and then the Pair
// Builder/Cycle Decomposer/Move Emitter pipeline on every
// permutation node reachable from proc.  Pre: liveness has been
// computed and every data node carries an assigned register.  Post:
// no permutation node of arity greater than two remains.
func LowerNodesAfterRA(proc *CallNodeT, liveness *LivenessT) {
	freeRegs := FindFreeRegisters(proc, liveness)
	for _, perm := range findPermNodes(proc) {
		if !PushThroughPerm(perm, liveness) {
			continue
		}
		lowerPermNode(perm, freeRegs)
	}
}

// findPermNodes walks the schedule of every basic block in proc and
// collects every remaining "perm" call, in schedule order.
func findPermNodes(proc *CallNodeT) []*CallNodeT {
	blocks := FindBasicBlocks[*BlockT](proc, MakeBlock)
	perms := []*CallNodeT{}
	for _, block := range blocks {
		for call := block.Start; ; call = call.Next[0] {
			if call.Primop.Name() == "perm" {
				perms = append(perms, call)
			}
			if call == block.End {
				break
			}
		}
	}
	return perms
}
