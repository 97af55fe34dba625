// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// 4.5 Perm Push-Through: sinking instructions that immediately
// follow a permutation, and that do not care about the shuffle,
// back across it so that the value they consume dies before the
// permutation instead of inside it.  Every slot removed this way is
// one less register the Cycle Decomposer has to reason about.

package cps

// PushThroughPerm tries to shrink perm's arity by hoisting
// immediately-following, side-effect-free calls that use exactly
// one of perm's outputs (and none of the others) across perm,
// rewriting them to read the corresponding pre-permutation operand
// instead.  Returns false if perm was consumed entirely by this
// process (no lowering remains to do), true otherwise.
func PushThroughPerm(perm *CallNodeT, liveness *LivenessT) bool {
	for {
		if len(perm.Next) != 1 {
			return true
		}
		succ := perm.Next[0]
		if len(succ.Next) != 1 || succ.Primop.SideEffects() || succ.Primop.Name() == "perm" {
			return true
		}
		slot, ok := singlePermOutputUse(perm, succ)
		if !ok {
			return true
		}
		if !movable(perm, succ, slot, liveness) {
			return true
		}
		hoistPastPerm(perm, succ, slot)
		if len(perm.Outputs) == 0 {
			RemoveCall(perm)
			return false
		}
	}
}

// singlePermOutputUse reports whether succ reads exactly one output
// of perm, that output has no other users, and succ reads none of
// perm's other outputs -- the condition under which succ's read can
// be safely rewired to perm's matching input and succ moved ahead
// of perm.
func singlePermOutputUse(perm *CallNodeT, succ *CallNodeT) (int, bool) {
	outIndex := map[*VariableT]int{}
	for i, output := range perm.Outputs {
		outIndex[output] = i
	}

	found := -1
	for _, rawInput := range succ.Inputs {
		ref, ok := rawInput.(*ReferenceNodeT)
		if !ok {
			continue
		}
		i, isPermOut := outIndex[ref.Variable]
		if !isPermOut {
			continue
		}
		if found != -1 && found != i {
			return 0, false // uses two different perm outputs
		}
		found = i
	}
	if found == -1 {
		return 0, false
	}
	if len(perm.Outputs[found].Refs) != 1 {
		return 0, false // some other call also uses this output
	}
	return found, true
}

// movable reports whether succ can safely be moved across perm: any
// of succ's other operands holding a register in the same class as
// perm's outputs blocks the move, whatever its liveness. When succ
// has exactly one output, the move is also blocked if
// ValuesInterfere reports that output interfering with any of perm's
// other outputs.
func movable(perm *CallNodeT, succ *CallNodeT, slot int, liveness *LivenessT) bool {
	class := perm.Outputs[0].Register.Class()
	hoisted := perm.Outputs[slot]
	for _, rawInput := range succ.Inputs {
		ref, ok := rawInput.(*ReferenceNodeT)
		if !ok || ref.Variable == hoisted {
			continue
		}
		operand := ref.Variable
		if operand.Register == nil || operand.Register.Class() != class {
			continue
		}
		return false
	}
	if len(succ.Outputs) == 1 {
		for i, output := range perm.Outputs {
			if i == slot {
				continue
			}
			if ValuesInterfere(liveness, succ.Outputs[0], output) {
				return false
			}
		}
	}
	return true
}

// swapNextCalls exchanges the schedule order of first and its sole
// successor second (first -> second becomes second -> first),
// preserving whatever followed second.
func swapNextCalls(first *CallNodeT, second *CallNodeT) {
	parent := first.Parent()
	index := first.Index()
	tail := DetachNext(second.Next[0])
	DetachNext(second)
	DetachNext(first)
	AttachNext(parent, second, index)
	AttachNext(second, first, 0)
	AttachNext(first, tail, 0)
}

// hoistPastPerm rewrites succ's reference to perm.Outputs[slot] into
// a reference to the matching pre-permutation operand, splices succ
// to run immediately before perm, and removes the now-unused slot
// from perm.
func hoistPastPerm(perm *CallNodeT, succ *CallNodeT, slot int) {
	outVar := perm.Outputs[slot]
	inVar := perm.InputVariable(slot)
	if inVar == nil {
		return
	}
	for _, ref := range append([]*ReferenceNodeT{}, outVar.Refs...) {
		ReplaceInput(ref, MakeReferenceNode(inVar))
	}

	swapNextCalls(perm, succ)

	Erase(DetachInput(perm.Inputs[slot]))
	perm.Outputs = append(append([]*VariableT{}, perm.Outputs[:slot]...), perm.Outputs[slot+1:]...)
	remaining := append(append([]NodeT{}, perm.Inputs[:slot]...), perm.Inputs[slot+1:]...)
	perm.Inputs = remaining
	for i, input := range perm.Inputs {
		input.SetIndex(i)
	}
}
