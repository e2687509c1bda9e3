package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusRankOrder(t *testing.T) {
	assert.Equal(t, StatusSubmitted.Rank(), StatusApproved.Rank())
	assert.Less(t, StatusApproved.Rank(), StatusQueued.Rank())
	assert.Less(t, StatusQueued.Rank(), StatusPrinting.Rank())
	assert.Less(t, StatusPrinting.Rank(), StatusDone.Rank())
	assert.Equal(t, StatusDone.Rank(), StatusFailed.Rank())
	assert.Equal(t, -1, JobStatus("bogus").Rank())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusDone.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPrinting.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusRejected.Valid())
	assert.False(t, JobStatus("paused").Valid())
}
