package features

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
)

type featureState struct {
	gate           FeatureGate
	activationSlot uint64
}

// Features is the set of gates active in a bank.
type Features struct {
	mu     sync.RWMutex
	active map[[32]byte]featureState
}

func NewFeaturesDefault() *Features {
	return &Features{active: make(map[[32]byte]featureState)}
}

// NewFeaturesAllEnabled activates every known gate at slot 0.
func NewFeaturesAllEnabled() *Features {
	f := NewFeaturesDefault()
	for _, gate := range AllFeatureGates {
		f.EnableFeature(gate, 0)
	}
	return f
}

func (f *Features) EnableFeature(gate FeatureGate, slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[gate.Address] = featureState{gate: gate, activationSlot: slot}
}

func (f *Features) DisableFeature(gate FeatureGate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, gate.Address)
}

func (f *Features) IsActive(gate FeatureGate) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.active[gate.Address]
	return ok
}

// ActivationSlot returns the slot at which the gate was enabled.
func (f *Features) ActivationSlot(gate FeatureGate) (uint64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state, ok := f.active[gate.Address]
	return state.activationSlot, ok
}

func (f *Features) AllEnabled() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	enabled := make([]string, 0, len(f.active))
	for _, state := range f.active {
		enabled = append(enabled, fmt.Sprintf("feature %s (%s) enabled", state.gate.Name, base58.Encode(state.gate.Address[:])))
	}
	sort.Strings(enabled)
	return enabled
}
