// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package cps

import (
	"testing"

	"github.com/s48/transform/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go/types"
)

// buildTestPerm builds a perm call over register slice r according
// to assignments ({inRegIndex, outRegIndex} pairs), attached between
// a fresh entry call and a terminating return call, and returns the
// entry, the perm, and a map of each input register's starting
// value (for interpretLowered to seed its simulation from).
func buildTestPerm(t *testing.T, r []RegisterT, assignments [][2]int) (*CallNodeT, *CallNodeT, map[RegisterT]*VariableT) {
	t.Helper()
	inputs := make([]NodeT, len(assignments))
	outputs := make([]*VariableT, len(assignments))
	initial := map[RegisterT]*VariableT{}
	for i, a := range assignments {
		inVar := MakeVariable("in", types.Typ[types.Int])
		inVar.Register = r[a[0]]
		inputs[i] = MakeReferenceNode(inVar)
		initial[r[a[0]]] = inVar
		outVar := MakeVariable("out", types.Typ[types.Int])
		outVar.Register = r[a[1]]
		outputs[i] = outVar
	}
	perm := MakeCall(LookupPrimop("perm"), outputs, inputs...)
	entry := MakeCall(LookupPrimop("keep"), nil)
	next := MakeCall(LookupPrimop("return"), nil)
	next.Next = nil
	AttachNext(entry, perm, 0)
	AttachNext(perm, next, 0)
	return entry, perm, initial
}

// interpretLowered simulates the copy/exchange instructions emitted
// between entry and the block's terminating return, starting from
// initial register contents, and returns the register contents at
// the end of the sequence. Every instruction's outputs are computed
// from its inputs' CURRENT register contents before any of them are
// committed, so a register reused as both a source and a destination
// within the same instruction (the swap case) is handled correctly.
func interpretLowered(entry *CallNodeT, initial map[RegisterT]*VariableT) map[RegisterT]*VariableT {
	state := map[RegisterT]*VariableT{}
	for reg, val := range initial {
		state[reg] = val
	}
	for call := entry.Next[0]; call.Primop.Name() != "return"; call = call.Next[0] {
		name := call.Primop.Name()
		if name != "copy" && name != "exchange" {
			continue
		}
		newVals := make([]*VariableT, len(call.Inputs))
		for i := range call.Inputs {
			newVals[i] = state[call.InputVariable(i).Register]
		}
		for i, outVar := range call.Outputs {
			state[outVar.Register] = newVals[i]
		}
	}
	return state
}

// Property 1 (S1/general case): the Move Emitter's output, once
// interpreted as a sequence of register transfers, must reproduce
// exactly the permutation the perm node specified -- mixing a 3-cycle
// with an independent chain in one perm.
func TestLowerPermNodeCorrectness(t *testing.T) {
	r := regs(5)
	assignments := [][2]int{
		{0, 1}, {1, 2}, {2, 0}, // a 3-cycle over registers 0,1,2
		{3, 4},                 // an independent chain, 3 into 4
	}
	entry, perm, initial := buildTestPerm(t, r, assignments)

	lowerPermNode(perm, map[*CallNodeT]RegisterT{})

	final := interpretLowered(entry, initial)
	for _, a := range assignments {
		assert.Same(t, initial[r[a[0]]], final[r[a[1]]],
			"register %d should end up holding the value that started in register %d", a[1], a[0])
	}
}

// S2: a cycle longer than a single swap, lowered with a free scratch
// register available, must actually use it, and must still reproduce
// the permutation correctly.
func TestLowerPermNodeCycleWithScratch(t *testing.T) {
	r := regs(4)
	assignments := [][2]int{{0, 1}, {1, 2}, {2, 0}}
	entry, perm, initial := buildTestPerm(t, r, assignments)
	scratch := r[3]

	lowerPermNode(perm, map[*CallNodeT]RegisterT{perm: scratch})

	usedScratch := false
	for call := entry.Next[0]; call.Primop.Name() != "return"; call = call.Next[0] {
		for _, outVar := range call.Outputs {
			if outVar.Register == scratch {
				usedScratch = true
			}
		}
	}
	assert.True(t, usedScratch, "a cycle longer than 2 with a free register available should route through it")

	final := interpretLowered(entry, initial)
	for _, a := range assignments {
		assert.Same(t, initial[r[a[0]]], final[r[a[1]]])
	}
}

// S1, no scratch available: the same cycle must still lower
// correctly, this time as a chain of swaps.
func TestLowerPermNodeCycleAsSwaps(t *testing.T) {
	r := regs(3)
	assignments := [][2]int{{0, 1}, {1, 2}, {2, 0}}
	entry, perm, initial := buildTestPerm(t, r, assignments)

	lowerPermNode(perm, map[*CallNodeT]RegisterT{})

	for call := entry.Next[0]; call.Primop.Name() != "return"; call = call.Next[0] {
		assert.NotEqual(t, "copy", call.Primop.Name(), "without a scratch register a cycle must lower to swaps, not copies")
	}

	final := interpretLowered(entry, initial)
	for _, a := range assignments {
		assert.Same(t, initial[r[a[0]]], final[r[a[1]]])
	}
}

// S5: a perm feeding a single side-effect-free consumer that reads
// exactly one of its outputs and nothing else should be pushed
// through and fully consumed, leaving no perm or exchange behind.
func TestPushThroughPermEliminatesPerm(t *testing.T) {
	r := regs(2)
	entry, perm, _ := buildTestPerm(t, r, [][2]int{{0, 1}})

	succVar := MakeVariable("s", types.Typ[types.Int])
	succVar.Register = r[0]
	succ := MakeCall(LookupPrimop("copy"), []*VariableT{succVar}, MakeReferenceNode(perm.Outputs[0]))
	succ.Name = "cpy"
	oldNext := DetachNext(perm.Next[0])
	AttachNext(perm, succ, 0)
	AttachNext(succ, oldNext, 0)

	liveness := &LivenessT{liveOut: map[*CallNodeT]util.SetT[*VariableT]{}}
	more := PushThroughPerm(perm, liveness)

	assert.False(t, more, "perm should be fully consumed once its only output is pushed through")
	require.Same(t, succ, entry.Next[0], "succ should now run immediately after entry")
	ref, ok := succ.Inputs[0].(*ReferenceNodeT)
	require.True(t, ok)
	assert.Equal(t, r[0], ref.Variable.Register, "succ should read the pre-permutation operand directly")
}

// The register-pressure movability guard: a consumer that itself
// needs a second operand from the same register class as perm's
// outputs must not be pushed through, even though it otherwise
// qualifies, since movable rejects any such same-class operand.
func TestPushThroughPermRejectsRegisterPressure(t *testing.T) {
	r := regs(3)
	_, perm, _ := buildTestPerm(t, r, [][2]int{{0, 1}})

	otherVar := MakeVariable("o", types.Typ[types.Int])
	otherVar.Register = r[2]
	succVar := MakeVariable("s", types.Typ[types.Int])
	succVar.Register = r[0]
	succ := MakeCall(LookupPrimop("exchange"), []*VariableT{succVar, otherVar},
		MakeReferenceNode(perm.Outputs[0]), MakeReferenceNode(otherVar))
	succ.Name = "xchg"
	oldNext := DetachNext(perm.Next[0])
	AttachNext(perm, succ, 0)
	AttachNext(succ, oldNext, 0)

	liveness := &LivenessT{liveOut: map[*CallNodeT]util.SetT[*VariableT]{}}
	more := PushThroughPerm(perm, liveness)

	assert.True(t, more, "perm must not be elided when succ has another same-class operand")
	assert.Same(t, succ, perm.Next[0], "schedule order should be unchanged")
}

// S6: a must-differ constraint violated by the allocator's register
// assignment gets an unspillable copy of the offending operand
// scheduled before the instruction, and a keep edge scheduled
// immediately after it.
func TestAssureConstraintsMustDiffer(t *testing.T) {
	r := regs(2)
	sliceVar := MakeVariable("sl", types.Typ[types.Int])
	sliceVar.Register = r[0]
	indexVar := MakeVariable("i", types.Typ[types.Int])
	indexVar.Register = r[1]
	resultVar := MakeVariable("v", types.Typ[types.Int])
	resultVar.Register = r[1] // same as indexVar: violates sliceIndex's must-differ constraint

	call := MakeCall(LookupPrimop("sliceIndex"), []*VariableT{resultVar},
		MakeReferenceNode(sliceVar), MakeReferenceNode(indexVar))
	call.Name = "idx"

	entry := MakeCall(LookupPrimop("keep"), nil)
	next := MakeCall(LookupPrimop("return"), nil)
	next.Next = nil
	AttachNext(entry, call, 0)
	AttachNext(call, next, 0)

	proc := MakeLambda("test", ProcLambda, nil)
	AttachNext(proc, entry, 0)

	AssureConstraints(proc)

	before := call.Parent()
	require.Equal(t, "copy", before.Primop.Name(), "the offending operand should get an unspillable copy scheduled before the constrained call")
	assert.Same(t, indexVar, before.InputVariable(0))
	assert.Same(t, before.Outputs[0], call.InputVariable(1), "the call should now read the copy")

	after := call.Next[0]
	assert.Contains(t, []string{"keep", "copyKeep"}, after.Primop.Name(),
		"a keep edge should be scheduled immediately after the constrained call")
}

// Property 5 (idempotence): running AssureConstraints again over an
// already-fixed-up procedure must not insert a second copy.
func TestAssureConstraintsIdempotent(t *testing.T) {
	r := regs(2)
	sliceVar := MakeVariable("sl", types.Typ[types.Int])
	sliceVar.Register = r[0]
	indexVar := MakeVariable("i", types.Typ[types.Int])
	indexVar.Register = r[1]
	resultVar := MakeVariable("v", types.Typ[types.Int])
	resultVar.Register = r[1]

	call := MakeCall(LookupPrimop("sliceIndex"), []*VariableT{resultVar},
		MakeReferenceNode(sliceVar), MakeReferenceNode(indexVar))
	call.Name = "idx"

	entry := MakeCall(LookupPrimop("keep"), nil)
	next := MakeCall(LookupPrimop("return"), nil)
	next.Next = nil
	AttachNext(entry, call, 0)
	AttachNext(call, next, 0)

	proc := MakeLambda("test", ProcLambda, nil)
	AttachNext(proc, entry, 0)

	AssureConstraints(proc)
	firstCopy := call.Parent()

	AssureConstraints(proc)
	assert.Same(t, firstCopy, call.Parent(), "a second pass should find nothing left to fix and insert no further copy")
}
