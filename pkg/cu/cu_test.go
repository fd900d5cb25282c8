package cu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeMeter_Consume(t *testing.T) {
	cm := NewComputeMeter(1000)
	assert.NoError(t, cm.Consume(400))
	assert.Equal(t, uint64(400), cm.Used())
	assert.Equal(t, uint64(600), cm.Remaining())

	err := cm.Consume(601)
	assert.ErrorIs(t, err, ErrComputeExceeded)
	assert.True(t, cm.Exceeded())
	assert.Equal(t, uint64(0), cm.Remaining())
}

func TestComputeMeter_BudgetCapped(t *testing.T) {
	cm := NewComputeMeter(MaxComputeUnits + 1)
	assert.Equal(t, uint64(MaxComputeUnits), cm.Budget())
	meter := NewComputeMeterDefault()
	assert.Equal(t, uint64(DefaultComputeUnits), meter.Budget())
}
