// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package cps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go/types"
)

func regs(n int) []RegisterT {
	DefinePrimops()
	class := &RegisterClassT{Name: "test", Registers: make([]RegisterT, n), Allocatable: (1 << n) - 1}
	for i := 0; i < n; i++ {
		class.Registers[i] = &registerT{class: class, name: string(rune('a' + i)), index: i}
	}
	return class.Registers
}

func pairT(in RegisterT, out RegisterT) *regPairT {
	inVar := MakeVariable("v", types.Typ[types.Int])
	inVar.Register = in
	outVar := MakeVariable("v", types.Typ[types.Int])
	outVar.Register = out
	return &regPairT{inReg: in, inValue: inVar, outReg: out, outValue: outVar}
}

func TestDecomposeCyclesSingleCycle(t *testing.T) {
	r := regs(3)
	// a<-b, b<-c, c<-a : a single 3-cycle
	pairs := []*regPairT{pairT(r[1], r[0]), pairT(r[2], r[1]), pairT(r[0], r[2])}
	moves := decomposeCycles(pairs)
	require.Len(t, moves, 1)
	assert.Equal(t, moveCycle, moves[0].kind)
	assert.Len(t, moves[0].elems, 3)
}

func TestDecomposeCyclesChain(t *testing.T) {
	r := regs(3)
	// a<-b, b<-c : a chain ending at c (c has no pair writing it)
	pairs := []*regPairT{pairT(r[1], r[0]), pairT(r[2], r[1])}
	moves := decomposeCycles(pairs)
	require.Len(t, moves, 1)
	assert.Equal(t, moveChain, moves[0].kind)
}

func TestDecomposeCyclesMixed(t *testing.T) {
	r := regs(5)
	// cycle: a<-b, b<-a
	// chain: c<-d, d<-e
	pairs := []*regPairT{
		pairT(r[1], r[0]), pairT(r[0], r[1]),
		pairT(r[3], r[2]), pairT(r[4], r[3]),
	}
	moves := decomposeCycles(pairs)
	require.Len(t, moves, 2)
	kinds := map[moveKindT]int{}
	for _, m := range moves {
		kinds[m.kind]++
	}
	assert.Equal(t, 1, kinds[moveCycle])
	assert.Equal(t, 1, kinds[moveChain])
}

func TestDecomposeCyclesIndependentPairs(t *testing.T) {
	r := regs(4)
	pairs := []*regPairT{pairT(r[1], r[0]), pairT(r[3], r[2])}
	moves := decomposeCycles(pairs)
	require.Len(t, moves, 2)
	for _, m := range moves {
		assert.Equal(t, moveChain, m.kind)
		assert.Len(t, m.elems, 2)
	}
}

func TestBuildPairsElidesNoOps(t *testing.T) {
	perm := makeTestPerm(t, [][2]int{{0, 0}, {1, 2}, {2, 1}})
	pairs, elided := buildPairs(perm)
	assert.Len(t, pairs, 2)
	assert.Len(t, elided, 1)
}

// makeTestPerm builds a synthetic perm call with len(assignments)
// inputs/outputs; each entry is {inRegIndex, outRegIndex} over a
// register class sized to the largest index used.
func makeTestPerm(t *testing.T, assignments [][2]int) *CallNodeT {
	t.Helper()
	maxReg := 0
	for _, a := range assignments {
		if a[0] > maxReg {
			maxReg = a[0]
		}
		if a[1] > maxReg {
			maxReg = a[1]
		}
	}
	r := regs(maxReg + 1)

	inputs := make([]NodeT, len(assignments))
	outputs := make([]*VariableT, len(assignments))
	for i, a := range assignments {
		inVar := MakeVariable("in", types.Typ[types.Int])
		inVar.Register = r[a[0]]
		inputs[i] = MakeReferenceNode(inVar)
		outVar := MakeVariable("out", types.Typ[types.Int])
		outVar.Register = r[a[1]]
		outputs[i] = outVar
	}
	perm := MakeCall(LookupPrimop("perm"), outputs, inputs...)
	next := MakeCall(LookupPrimop("return"), nil)
	AttachNext(perm, next, 0)
	return perm
}
