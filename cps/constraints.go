// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// 4.6 Constraint Assurer: enforcing "must differ" register
// constraints between an instruction's operands (and between an
// operand and the instruction's own result) by inserting unspillable
// copies ahead of the instruction, and anchoring the original
// value's liveness across the instruction with a keep edge so the
// register allocator never reuses its register for something else
// before the copy is made.
//
// This follows libFirm's be_lower.c assure_constraints pass fairly
// closely: a backward walk looking for an already-scheduled copy to
// reuse before making a new one, a choice between a bare Keep and a
// CopyKeep depending on whether the original value is still read
// elsewhere, an association table recording every copy made of a
// given value so they can be melted together and later handed to SSA
// reconstruction as a group, and a final sweep turning any CopyKeep
// that the melt and reconstruction left with nothing left to
// reconcile back into a plain Keep.
//
// CPS's jump-lambda parameter passing already plays the role phi
// nodes play in a conventional SSA IR: a value that differs across
// incoming paths arrives as a jump argument bound to the lambda's
// own parameter. A constraint copy only ever needs to rename
// references within the straight-line block it is inserted into, so
// "SSA reconstruction" here is the local renaming done by
// ReconstructSSA below, not a whole-procedure dominator-frontier
// phi-insertion pass.

package cps

import (
	"github.com/s48/transform/util"
)

//----------------------------------------------------------------
// Primops

// KeepPrimopT anchors its inputs' liveness through this point in the
// schedule without producing a value of its own. The register
// allocator treats a keep input exactly like any other use. It is
// scheduled immediately after the instruction it protects, so a
// constrained operand's copy cannot be coalesced away before that
// instruction has run.
type KeepPrimopT struct{}

func (primop *KeepPrimopT) Name() string            { return "keep" }
func (primop *KeepPrimopT) SideEffects() bool        { return false }
func (primop *KeepPrimopT) Simplify(call *CallNodeT) {}
func (primop *KeepPrimopT) RegisterUsage(call *CallNodeT) ([]*RegUseSpecT, []*RegUseSpecT) {
	inputs := make([]*RegUseSpecT, len(call.Inputs))
	for i := range inputs {
		inputs[i] = inputSpec
	}
	return inputs, nil
}

// CopyKeepPrimopT is a Keep used when the value a constraint copy was
// made from still has other readers: those readers, and the copy
// itself, are both recorded so SSA reconstruction can later decide
// which of them each read should see, rather than a plain Keep's
// single fixed set of kept values. Structurally it is identical to a
// Keep (no outputs, every input merely kept live); the distinct name
// exists so melting and the post-construction demotion sweep below
// can find them.
type CopyKeepPrimopT struct{}

func (primop *CopyKeepPrimopT) Name() string            { return "copyKeep" }
func (primop *CopyKeepPrimopT) SideEffects() bool        { return false }
func (primop *CopyKeepPrimopT) Simplify(call *CallNodeT) {}
func (primop *CopyKeepPrimopT) RegisterUsage(call *CallNodeT) ([]*RegUseSpecT, []*RegUseSpecT) {
	inputs := make([]*RegUseSpecT, len(call.Inputs))
	for i := range inputs {
		inputs[i] = inputSpec
	}
	return inputs, nil
}

//----------------------------------------------------------------
// Constraint declarations

// DifferConstraintT is implemented by primops that require one or
// more of their input operands to end up in a register different
// from some other operand or from the call's own output. It is an
// optional interface, checked the same way CallsProcPrimopT and
// EvalPrimopT are: most primops don't implement it and have no
// constraints to assure.
type DifferConstraintT interface {
	// DifferingPairs returns index pairs (i, j) of call.Inputs that
	// must not be allocated to the same register. An index of -1 in
	// the second slot means "must differ from every output".
	DifferingPairs(call *CallNodeT) [][2]int
}

// SameConstraintT is implemented by a primop whose output must share
// a register with one particular input -- a two-address or
// read-modify-write instruction. It only matters here as the other
// half of the short-circuit below: a must-differ requirement that
// names the very operand a should-be-same requirement already ties
// to the output can never be satisfied by any copy, so it is skipped
// as vacuous rather than acted on. No primop in this package happens
// to need a should-be-same requirement, so this interface currently
// has no implementor; it is kept anyway because the short-circuit it
// enables is part of the spec this pass is built against, and any
// two-address primop added later gets the check for free by
// implementing it.
type SameConstraintT interface {
	// ShouldBeSame returns the input index the call's output must
	// share a register with, or -1 if there is no such requirement.
	ShouldBeSame(call *CallNodeT) int
}

//----------------------------------------------------------------
// Op-copy association table

// assocEntryT tracks, for one original value that some constraint
// forced a copy of, every copy made of it and every keep/copyKeep
// anchor created alongside those copies -- libFirm's op_copy_assoc_t.
type assocEntryT struct {
	copies  []*VariableT
	anchors []*CallNodeT
}

//----------------------------------------------------------------
// 4.6 Constraint Assurer

// AssureConstraints walks every call reachable from proc and, for
// each that implements DifferConstraintT, inserts an unspillable
// copy ahead of any operand pair the allocator's register assignment
// has left sharing a register in violation of the constraint. Once
// every call has been visited, CopyKeeps anchored to the same
// multi-output instruction are melted into one, each original
// value's copies are reconciled against its remaining references via
// ReconstructSSA, and any CopyKeep left protecting a value with no
// remaining normal users is converted back into a plain Keep.
//
// Pre: register allocation is complete -- every variable mentioned
// carries an assigned register. Post: no call's inputs violate its
// own DifferingPairs.
func AssureConstraints(proc *CallNodeT) {
	assoc := map[*VariableT]*assocEntryT{}
	for _, block := range FindBasicBlocks[*BlockT](proc, MakeBlock) {
		for call := block.Start; ; call = call.Next[0] {
			assureCallConstraints(call, assoc)
			if call == block.End {
				break
			}
		}
	}
	meltCopyKeeps(assoc)
	for origVar, entry := range assoc {
		ReconstructSSA(origVar, entry.copies)
	}
	demoteUnneededCopyKeeps(assoc)
}

func assureCallConstraints(call *CallNodeT, assoc map[*VariableT]*assocEntryT) {
	constrained, ok := call.Primop.(DifferConstraintT)
	if !ok {
		return
	}
	for _, pair := range constrained.DifferingPairs(call) {
		i := pair[0]
		inVar := call.InputVariable(i)
		if inVar == nil || inVar.Register == nil {
			continue
		}
		if pair[1] == -1 {
			if vacuousAgainstSame(call, i) {
				continue
			}
			if anyOutputSharesRegister(call, inVar) {
				assureDifferentFrom(call, i, inVar, assoc)
			}
			continue
		}
		j := pair[1]
		if vacuousAgainstSame(call, i) || j == i {
			continue
		}
		otherVar := call.InputVariable(j)
		if otherVar == nil || otherVar.Register == nil {
			continue
		}
		if inVar.Register == otherVar.Register {
			assureDifferentFrom(call, i, inVar, assoc)
		}
	}
}

// vacuousAgainstSame implements belower.c's should_be_same x
// must_be_different short-circuit: if call's own output must also
// share a register with some input j, and operand j is literally the
// same value as the operand that must differ, no copy can satisfy
// both requirements at once -- the value can't be made to equal and
// differ from itself -- so the constraint is dropped rather than
// acted on.
func vacuousAgainstSame(call *CallNodeT, differIndex int) bool {
	same, ok := call.Primop.(SameConstraintT)
	if !ok {
		return false
	}
	j := same.ShouldBeSame(call)
	if j < 0 {
		return false
	}
	return call.InputVariable(j) == call.InputVariable(differIndex)
}

func anyOutputSharesRegister(call *CallNodeT, inVar *VariableT) bool {
	for _, output := range call.Outputs {
		if output.Register != nil && output.Register == inVar.Register {
			return true
		}
	}
	return false
}

// assureDifferentFrom replaces call's i'th operand with a copy of
// inVar -- reusing one already scheduled immediately before call if
// one exists, making a fresh one otherwise -- then anchors inVar's
// liveness across call with a keep edge: a copyKeep if inVar still
// has other readers once this one has been rewired away, a plain
// keep otherwise. The copy and the association table entry it
// belongs to are recorded so melting and SSA reconstruction can act
// on every copy of inVar together.
func assureDifferentFrom(call *CallNodeT, i int, inVar *VariableT, assoc map[*VariableT]*assocEntryT) {
	cpyVar, reused := findExistingCopy(call, inVar)
	if !reused {
		cpyVar = MakeVariable(inVar.Name, inVar.Type, inVar.Source)
		copyCall := MakeCall(LookupPrimop("copy"), []*VariableT{cpyVar}, MakeReferenceNode(inVar))
		copyCall.Name = "cpy"
		InsertCallParent(call, copyCall)
	}
	ReplaceInput(call.Inputs[i], MakeReferenceNode(cpyVar))

	entry := assoc[inVar]
	if entry == nil {
		entry = &assocEntryT{}
		assoc[inVar] = entry
	}
	if !reused {
		entry.copies = append(entry.copies, cpyVar)
	}
	entry.anchors = append(entry.anchors, anchorConstraint(call, inVar, cpyVar, entry.copies))
}

// findExistingCopy scans backward from call through the schedule,
// crossing only "copy" calls, looking for one that already copies
// inVar -- libFirm's find_copy. Reusing it instead of making another
// avoids piling up redundant copies when several of call's operands
// are all constrained against the same value.
func findExistingCopy(call *CallNodeT, inVar *VariableT) (*VariableT, bool) {
	for cur := call.Parent(); cur != nil && cur.Primop.Name() == "copy"; cur = cur.Parent() {
		if cur.InputVariable(0) == inVar {
			return cur.Outputs[0], true
		}
	}
	return nil, false
}

// anchorConstraint schedules, immediately after call, the keep edge
// that makes cpyVar's copy of inVar meaningful: a copyKeep when inVar
// is still read somewhere other than by inVar's own copies' defining
// calls, so there remain two definitions of the same original value
// that SSA reconstruction must reconcile, or a plain keep when it is
// not, since then there is nothing left to reconcile and a bare Keep
// is cheaper -- libFirm's has_irn_users check in
// gen_assure_different_pattern. copiesSoFar is every copy of inVar
// made up to and including cpyVar, so a second constrained operand on
// the same call that reuses an earlier copy doesn't count that
// earlier copy's own reference to inVar as an "other" reader either.
func anchorConstraint(call *CallNodeT, inVar *VariableT, cpyVar *VariableT, copiesSoFar []*VariableT) *CallNodeT {
	var anchor *CallNodeT
	if hasOtherUsers(inVar, copiesSoFar) {
		anchor = MakeCall(LookupPrimop("copyKeep"), nil, MakeReferenceNode(cpyVar))
		anchor.Name = "cpykeep"
	} else {
		inputs := make([]NodeT, 0, 1+len(call.Outputs))
		inputs = append(inputs, MakeReferenceNode(cpyVar))
		for _, output := range call.Outputs {
			inputs = append(inputs, MakeReferenceNode(output))
		}
		anchor = MakeCall(LookupPrimop("keep"), nil, inputs...)
		anchor.Name = "keep"
	}
	InsertCallParent(call.Next[0], anchor)
	return anchor
}

//----------------------------------------------------------------
// Keep melting

// meltCopyKeeps fuses every group of CopyKeep anchors scheduled
// immediately after the same call into a single CopyKeep that keeps
// every value the individual ones did -- libFirm's melt_copykeeps.
// A call with several differing-pairs against the same value, or
// several constrained operands copied from values that each still
// have other readers, otherwise leaves one CopyKeep per pair
// cluttering the schedule for no benefit: one fused node serves
// exactly as well.
func meltCopyKeeps(assoc map[*VariableT]*assocEntryT) {
	byReferent := map[*CallNodeT][]*CallNodeT{}
	for _, entry := range assoc {
		for _, anchor := range entry.anchors {
			if anchor.Primop.Name() != "copyKeep" {
				continue
			}
			referent := anchorReferent(anchor)
			byReferent[referent] = append(byReferent[referent], anchor)
		}
	}

	fusedFor := map[*CallNodeT]*CallNodeT{}
	for referent, anchors := range byReferent {
		if len(anchors) < 2 {
			continue
		}
		fused := fuseCopyKeeps(referent, anchors)
		for _, old := range anchors {
			fusedFor[old] = fused
		}
	}

	for _, entry := range assoc {
		for i, anchor := range entry.anchors {
			if fused, ok := fusedFor[anchor]; ok {
				entry.anchors[i] = fused
			}
		}
	}
}

// anchorReferent returns the real instruction a keep/copyKeep anchor
// was created to protect, walking up past any other keep/copyKeep
// anchors chained between it and that instruction -- a call with
// several constrained operands gets one anchor per operand, each
// inserted immediately after the call, so later insertions end up
// chained ahead of earlier ones rather than all directly attached to
// the call itself.
func anchorReferent(anchor *CallNodeT) *CallNodeT {
	for parent := anchor.Parent(); parent != nil; parent = parent.Parent() {
		name := parent.Primop.Name()
		if name != "keep" && name != "copyKeep" {
			return parent
		}
	}
	return nil
}

// fuseCopyKeeps combines several single-input CopyKeep anchors that
// all immediately follow referent into one CopyKeep keeping every one
// of their values, rescheduled just after the last Keep/CopyKeep that
// already follows referent -- libFirm schedules the melted node at
// the same point for the same reason: every individual CopyKeep it
// replaces was already scheduled there.
func fuseCopyKeeps(referent *CallNodeT, anchors []*CallNodeT) *CallNodeT {
	inputs := make([]NodeT, 0, len(anchors))
	for _, anchor := range anchors {
		inputs = append(inputs, MakeReferenceNode(anchor.InputVariable(0)))
	}
	fused := MakeCall(LookupPrimop("copyKeep"), nil, inputs...)
	fused.Name = "cpykeep"

	after := referent.Next[0]
	for after.Primop.Name() == "keep" || after.Primop.Name() == "copyKeep" {
		after = after.Next[0]
	}
	InsertCallParent(after, fused)

	for _, anchor := range anchors {
		Erase(DetachInput(anchor.Inputs[0]))
		RemoveCall(anchor)
	}
	return fused
}

// hasOtherUsers reports whether origVar has any remaining reference
// that does not belong to one of its own copies' defining calls --
// origVar's copies always keep a reference to it for their own input,
// and that reference must not itself count as a reason origVar still
// needs reconciling.
func hasOtherUsers(origVar *VariableT, copies []*VariableT) bool {
	copyBinders := util.NewSet[*CallNodeT]()
	for _, copyVar := range copies {
		copyBinders.Add(copyVar.Binder)
	}
	for _, ref := range origVar.Refs {
		if !copyBinders.Contains(ref.Parent()) {
			return true
		}
	}
	return false
}

// demoteUnneededCopyKeeps converts every CopyKeep anchor whose
// tracked original values all ended up with no remaining normal
// users into a plain Keep -- libFirm's post-construction sweep that
// turns each CopyKeep ReconstructSSA left with nothing to reconcile
// back into the cheaper Keep. An anchor melting left shared between
// several original values is only demoted once every one of them
// qualifies.
func demoteUnneededCopyKeeps(assoc map[*VariableT]*assocEntryT) {
	stillNeeded := util.NewSet[*CallNodeT]()
	for origVar, entry := range assoc {
		if !hasOtherUsers(origVar, entry.copies) {
			continue
		}
		for _, anchor := range entry.anchors {
			stillNeeded.Add(anchor)
		}
	}

	seen := util.NewSet[*CallNodeT]()
	for _, entry := range assoc {
		for _, anchor := range entry.anchors {
			if seen.Contains(anchor) || anchor.Primop.Name() != "copyKeep" {
				continue
			}
			seen.Add(anchor)
			if !stillNeeded.Contains(anchor) {
				anchor.Primop = LookupPrimop("keep")
				anchor.Name = "keep"
			}
		}
	}
}

//----------------------------------------------------------------
// SSA reconstruction

// ReconstructSSA narrows origVar's live range by redirecting its
// later references onto whichever of copies reaches them first: each
// copy is produced at some point in the straight-line code ahead of
// it, and a reference downstream of a copy's definition should read
// that copy rather than origVar, shrinking origVar's own live range
// the same way a constraint copy is meant to. A reference that
// belongs to one of the copy-defining calls themselves is left
// alone, since that is precisely the read that must see the true
// original value.
//
// CPS's jump-lambda parameter passing already plays the role phi
// nodes play in a conventional SSA IR, so this only needs to walk the
// straight-line region dominated by origVar's own block (the block of
// the first copy when origVar has no binder): the defining block's
// tail, then any chain of single-predecessor
// successor blocks (a block with more than one predecessor is a
// merge point, and CPS routes the right value to a merge through the
// jump-lambda's own parameter binding rather than through a renamed
// reference here, so the walk stops there).
func ReconstructSSA(origVar *VariableT, copies []*VariableT) {
	if len(copies) == 0 {
		return
	}
	copyBinders := map[*CallNodeT]*VariableT{}
	for _, copyVar := range copies {
		copyBinders[copyVar.Binder] = copyVar
	}

	type pendingT struct {
		block   *BlockT
		current *VariableT
	}
	binder := origVar.Binder
	if binder == nil {
		binder = copies[0].Binder
	}
	start := ContainingBlock(binder).(*BlockT)
	visited := util.NewSet[*BlockT]()
	visited.Add(start)
	queue := []pendingT{{block: start, current: origVar}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		current := rewriteBlockTail(item.block, origVar, copyBinders, item.current)
		for _, next := range item.block.Next {
			if visited.Contains(next) || len(next.Previous) != 1 {
				continue
			}
			visited.Add(next)
			queue = append(queue, pendingT{block: next, current: current})
		}
	}
}

// rewriteBlockTail redirects origVar's references to whichever copy
// is currently reaching as block is walked from its start, updating
// that reach as each copy's own defining call is passed, and returns
// the copy reaching at the end of block for the caller to carry into
// block's single-predecessor successors.
func rewriteBlockTail(block *BlockT, origVar *VariableT, copyBinders map[*CallNodeT]*VariableT, current *VariableT) *VariableT {
	for call := block.Start; ; call = call.Next[0] {
		if _, isCopyDef := copyBinders[call]; !isCopyDef && current != origVar {
			for _, rawInput := range append([]NodeT{}, call.Inputs...) {
				if ref, ok := rawInput.(*ReferenceNodeT); ok && ref.Variable == origVar {
					ReplaceInput(ref, MakeReferenceNode(current))
				}
			}
		}
		if copyVar, ok := copyBinders[call]; ok {
			current = copyVar
		}
		if call == block.End {
			break
		}
	}
	return current
}
