package validator

import (
	"context"
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/config"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDemo(t *testing.T) {
	cfg := config.Default().Validator
	cfg.AutoCommit = false

	res, err := RunDemo(context.Background(), accounts.NewMemAccounts(), cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), res.CommittedCount)
	assert.Equal(t, uint64(8), res.FinalCount)
	assert.Equal(t, counter.DefaultConfig().ProgramID, res.CounterOwner)

	assert.Equal(t, int64(14_255_000_000), res.CommittedPrice)
	assert.Equal(t, delegation.DefaultProgramID, res.PriceFeedOwner)
	assert.Contains(t, res.SampleLogs, "Instruction: Sample")
}
