package bletxn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/pkg/bleevent"
	"github.com/srg/blecore/pkg/bletask"
)

func TestTransaction_AllStepsSucceedInOrder(t *testing.T) {
	var id bletask.ID
	var submitted []*bletask.Task
	nextID := func() bletask.ID { id++; return id }
	submit := func(t *bletask.Task) { submitted = append(submitted, t) }

	steps := []Step{
		{Kind: bletask.KindRead, Priority: bletask.PriorityHigh, Hooks: bletask.Hooks{}},
		{Kind: bletask.KindWrite, Priority: bletask.PriorityHigh, Hooks: bletask.Hooks{}},
	}
	tx := New(KindAuth, "d1", steps, nextID, submit)

	succeeded := false
	tx.OnSucceed(func() { succeeded = true })

	tx.Start()
	require.Len(t, submitted, 1)
	assert.Equal(t, bletask.KindRead, submitted[0].Kind)

	submitted[0].Succeed()
	require.Len(t, submitted, 2)
	assert.Equal(t, bletask.KindWrite, submitted[1].Kind)

	submitted[1].Succeed()
	assert.True(t, succeeded)
	assert.Equal(t, StateSucceeded, tx.State())
}

func TestTransaction_StepFailurePropagatesTypedReason(t *testing.T) {
	var id bletask.ID
	var submitted []*bletask.Task
	tx := New(KindInit, "d1",
		[]Step{{Kind: bletask.KindWrite, Priority: bletask.PriorityHigh}},
		func() bletask.ID { id++; return id },
		func(t *bletask.Task) { submitted = append(submitted, t) },
	)

	var failure bleevent.FailureKind
	tx.OnFail(func(f bleevent.FailureKind) { failure = f })

	tx.Start()
	require.Len(t, submitted, 1)
	submitted[0].Fail(bleevent.FailureRemoteGattFailure)

	assert.Equal(t, StateFailed, tx.State())
	assert.Equal(t, bleevent.FailureRemoteGattFailure, failure)
}

func TestTransaction_ZeroStepsSucceedsImmediately(t *testing.T) {
	tx := New(KindUserCustom, "d1", nil, func() bletask.ID { return 1 }, func(*bletask.Task) {})
	succeeded := false
	tx.OnSucceed(func() { succeeded = true })
	tx.Start()
	assert.True(t, succeeded)
}
