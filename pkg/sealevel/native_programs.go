package sealevel

import (
	"sync"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/gagliardetto/solana-go"
)

const NativeLoaderAddrStr = "NativeLoader1111111111111111111111111111111"

var NativeLoaderAddr solana.PublicKey = base58.MustDecodeFromString(NativeLoaderAddrStr)

const SystemProgramAddrStr = "11111111111111111111111111111111"

var SystemProgramAddr solana.PublicKey = base58.MustDecodeFromString(SystemProgramAddrStr)

type ProgramFn func(execCtx *ExecutionCtx) error

// ProgramRegistry maps program ids to their native implementations.
type ProgramRegistry struct {
	mu       sync.RWMutex
	programs map[solana.PublicKey]ProgramFn
}

func NewProgramRegistry() *ProgramRegistry {
	registry := &ProgramRegistry{programs: make(map[solana.PublicKey]ProgramFn)}
	registry.Register(SystemProgramAddr, SystemProgramExecute)
	return registry
}

func (r *ProgramRegistry) Register(programId solana.PublicKey, fn ProgramFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[programId] = fn
}

func (r *ProgramRegistry) Resolve(programId solana.PublicKey) (ProgramFn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.programs[programId]
	if !ok {
		return nil, InstrErrUnsupportedProgramId
	}
	return fn, nil
}

func (r *ProgramRegistry) IsProgram(programId solana.PublicKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.programs[programId]
	return ok
}

func verifySigner(authorized solana.PublicKey, signers []solana.PublicKey) error {
	for _, signer := range signers {
		if signer == authorized {
			return nil
		}
	}
	return InstrErrMissingRequiredSignature
}
