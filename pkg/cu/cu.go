package cu

import (
	"errors"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
)

// DefaultComputeUnits is the budget of a transaction or call handler that
// does not request one explicitly.
const DefaultComputeUnits = 200_000

const MaxComputeUnits = 1_400_000

var ErrComputeExceeded = errors.New("Compute exceeded")

type ComputeMeter struct {
	remaining uint64
	budget    uint64
	exceeded  bool
}

func NewComputeMeter(budget uint64) ComputeMeter {
	if budget > MaxComputeUnits {
		budget = MaxComputeUnits
	}
	return ComputeMeter{remaining: budget, budget: budget}
}

func NewComputeMeterDefault() ComputeMeter {
	return NewComputeMeter(DefaultComputeUnits)
}

func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.remaining < cost {
		cm.exceeded = true
		cm.remaining = 0
		return fmt.Errorf("%w: requested %d of budget %d", ErrComputeExceeded, cost, cm.budget)
	}
	cm.remaining = safemath.SaturatingSubU64(cm.remaining, cost)
	return nil
}

func (cm *ComputeMeter) Used() uint64 {
	return cm.budget - cm.remaining
}

func (cm *ComputeMeter) Budget() uint64 {
	return cm.budget
}

func (cm *ComputeMeter) Exceeded() bool {
	return cm.exceeded
}

func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}
