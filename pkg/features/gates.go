package features

import (
	"github.com/minio/sha256-simd"
)

type FeatureGate struct {
	Name    string
	Address [32]byte
}

func newGate(name string) FeatureGate {
	return FeatureGate{Name: name, Address: sha256.Sum256([]byte("feature:" + name))}
}

// EnforceRentStateTransitions rejects transactions that leave a writable
// account rent paying.
var EnforceRentStateTransitions = newGate("EnforceRentStateTransitions")

// EnableCallHandlers allows commits to carry post-commit actions.
var EnableCallHandlers = newGate("EnableCallHandlers")

// MarkProcessedBeforeCallback persists the processed flag of an interaction
// before the callback is invoked.
var MarkProcessedBeforeCallback = newGate("MarkProcessedBeforeCallback")

var AllFeatureGates = []FeatureGate{EnforceRentStateTransitions, EnableCallHandlers, MarkProcessedBeforeCallback}
