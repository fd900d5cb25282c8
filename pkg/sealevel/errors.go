package sealevel

import (
	"errors"
	"fmt"
)

// instruction errors
var (
	InstrErrGenericError                = errors.New("InstrErrGenericError")
	InstrErrInvalidArgument             = errors.New("InstrErrInvalidArgument")
	InstrErrInvalidInstructionData      = errors.New("InstrErrInvalidInstructionData")
	InstrErrInvalidAccountData          = errors.New("InstrErrInvalidAccountData")
	InstrErrAccountDataTooSmall         = errors.New("InstrErrAccountDataTooSmall")
	InstrErrInsufficientFunds           = errors.New("InstrErrInsufficientFunds")
	InstrErrIncorrectProgramId          = errors.New("InstrErrIncorrectProgramId")
	InstrErrMissingRequiredSignature    = errors.New("InstrErrMissingRequiredSignature")
	InstrErrAccountAlreadyInitialized   = errors.New("InstrErrAccountAlreadyInitialized")
	InstrErrUninitializedAccount        = errors.New("InstrErrUninitializedAccount")
	InstrErrUnbalancedInstruction       = errors.New("InstrErrUnbalancedInstruction")
	InstrErrModifiedProgramId           = errors.New("InstrErrModifiedProgramId")
	InstrErrExternalAccountLamportSpend = errors.New("InstrErrExternalAccountLamportSpend")
	InstrErrExternalAccountDataModified = errors.New("InstrErrExternalAccountDataModified")
	InstrErrReadonlyLamportChange       = errors.New("InstrErrReadonlyLamportChange")
	InstrErrReadonlyDataModified        = errors.New("InstrErrReadonlyDataModified")
	InstrErrNotEnoughAccountKeys        = errors.New("InstrErrNotEnoughAccountKeys")
	InstrErrAccountDataSizeChanged      = errors.New("InstrErrAccountDataSizeChanged")
	InstrErrAccountNotExecutable        = errors.New("InstrErrAccountNotExecutable")
	InstrErrExecutableDataModified      = errors.New("InstrErrExecutableDataModified")
	InstrErrExecutableLamportChange     = errors.New("InstrErrExecutableLamportChange")
	InstrErrUnsupportedProgramId        = errors.New("InstrErrUnsupportedProgramId")
	InstrErrCallDepth                   = errors.New("InstrErrCallDepth")
	InstrErrMissingAccount              = errors.New("InstrErrMissingAccount")
	InstrErrReentrancyNotAllowed        = errors.New("InstrErrReentrancyNotAllowed")
	InstrErrMaxSeedLengthExceeded       = errors.New("InstrErrMaxSeedLengthExceeded")
	InstrErrInvalidSeeds                = errors.New("InstrErrInvalidSeeds")
	InstrErrInvalidRealloc              = errors.New("InstrErrInvalidRealloc")
	InstrErrComputationalBudgetExceeded = errors.New("InstrErrComputationalBudgetExceeded")
	InstrErrPrivilegeEscalation         = errors.New("InstrErrPrivilegeEscalation")
	InstrErrInvalidAccountOwner         = errors.New("InstrErrInvalidAccountOwner")
	InstrErrArithmeticOverflow          = errors.New("InstrErrArithmeticOverflow")
	InstrErrInsufficientFundsForRent    = errors.New("InstrErrInsufficientFundsForRent")
)

// instruction errors - Solana numerical error codes
const (
	InstrErrCodeSuccess                     = 0
	InstrErrCodeGenericError                = 1
	InstrErrCodeInvalidArgument             = 2
	InstrErrCodeInvalidInstructionData      = 3
	InstrErrCodeInvalidAccountData          = 4
	InstrErrCodeAccountDataTooSmall         = 5
	InstrErrCodeInsufficientFunds           = 6
	InstrErrCodeIncorrectProgramId          = 7
	InstrErrCodeMissingRequiredSignature    = 8
	InstrErrCodeAccountAlreadyInitialized   = 9
	InstrErrCodeUninitializedAccount        = 10
	InstrErrCodeUnbalancedInstruction       = 11
	InstrErrCodeModifiedProgramId           = 12
	InstrErrCodeExternalAccountLamportSpend = 13
	InstrErrCodeExternalAccountDataModified = 14
	InstrErrCodeReadonlyLamportChange       = 15
	InstrErrCodeReadonlyDataModified        = 16
	InstrErrCodeNotEnoughAccountKeys        = 20
	InstrErrCodeAccountDataSizeChanged      = 21
	InstrErrCodeAccountNotExecutable        = 22
	InstrErrCodeCustom                      = 26
	InstrErrCodeExecutableDataModified      = 28
	InstrErrCodeExecutableLamportChange     = 29
	InstrErrCodeUnsupportedProgramId        = 31
	InstrErrCodeCallDepth                   = 32
	InstrErrCodeMissingAccount              = 33
	InstrErrCodeReentrancyNotAllowed        = 34
	InstrErrCodeMaxSeedLengthExceeded       = 35
	InstrErrCodeInvalidSeeds                = 36
	InstrErrCodeInvalidRealloc              = 37
	InstrErrCodeComputationalBudgetExceeded = 38
	InstrErrCodePrivilegeEscalation         = 39
	InstrErrCodeInvalidAccountOwner         = 47
	InstrErrCodeArithmeticOverflow          = 48
)

var instrErrCodes = []struct {
	err  error
	code int
}{
	{InstrErrGenericError, InstrErrCodeGenericError},
	{InstrErrInvalidArgument, InstrErrCodeInvalidArgument},
	{InstrErrInvalidInstructionData, InstrErrCodeInvalidInstructionData},
	{InstrErrInvalidAccountData, InstrErrCodeInvalidAccountData},
	{InstrErrAccountDataTooSmall, InstrErrCodeAccountDataTooSmall},
	{InstrErrInsufficientFunds, InstrErrCodeInsufficientFunds},
	{InstrErrIncorrectProgramId, InstrErrCodeIncorrectProgramId},
	{InstrErrMissingRequiredSignature, InstrErrCodeMissingRequiredSignature},
	{InstrErrAccountAlreadyInitialized, InstrErrCodeAccountAlreadyInitialized},
	{InstrErrUninitializedAccount, InstrErrCodeUninitializedAccount},
	{InstrErrUnbalancedInstruction, InstrErrCodeUnbalancedInstruction},
	{InstrErrModifiedProgramId, InstrErrCodeModifiedProgramId},
	{InstrErrExternalAccountLamportSpend, InstrErrCodeExternalAccountLamportSpend},
	{InstrErrExternalAccountDataModified, InstrErrCodeExternalAccountDataModified},
	{InstrErrReadonlyLamportChange, InstrErrCodeReadonlyLamportChange},
	{InstrErrReadonlyDataModified, InstrErrCodeReadonlyDataModified},
	{InstrErrNotEnoughAccountKeys, InstrErrCodeNotEnoughAccountKeys},
	{InstrErrAccountDataSizeChanged, InstrErrCodeAccountDataSizeChanged},
	{InstrErrAccountNotExecutable, InstrErrCodeAccountNotExecutable},
	{InstrErrExecutableDataModified, InstrErrCodeExecutableDataModified},
	{InstrErrExecutableLamportChange, InstrErrCodeExecutableLamportChange},
	{InstrErrUnsupportedProgramId, InstrErrCodeUnsupportedProgramId},
	{InstrErrCallDepth, InstrErrCodeCallDepth},
	{InstrErrMissingAccount, InstrErrCodeMissingAccount},
	{InstrErrReentrancyNotAllowed, InstrErrCodeReentrancyNotAllowed},
	{InstrErrMaxSeedLengthExceeded, InstrErrCodeMaxSeedLengthExceeded},
	{InstrErrInvalidSeeds, InstrErrCodeInvalidSeeds},
	{InstrErrInvalidRealloc, InstrErrCodeInvalidRealloc},
	{InstrErrComputationalBudgetExceeded, InstrErrCodeComputationalBudgetExceeded},
	{InstrErrPrivilegeEscalation, InstrErrCodePrivilegeEscalation},
	{InstrErrInvalidAccountOwner, InstrErrCodeInvalidAccountOwner},
	{InstrErrArithmeticOverflow, InstrErrCodeArithmeticOverflow},
}

// CustomErr is a program-defined error carried as InstructionError::Custom.
type CustomErr struct {
	Code uint32
	Name string
}

func NewCustomErr(code uint32, name string) *CustomErr {
	return &CustomErr{Code: code, Name: name}
}

func (e *CustomErr) Error() string {
	return fmt.Sprintf("%s (custom program error: %#x)", e.Name, e.Code)
}

// TranslateErrToInstrErrCode maps an execution error to its numeric
// instruction error code and, for program errors, the custom code.
func TranslateErrToInstrErrCode(err error) (int, uint32) {
	if err == nil {
		return InstrErrCodeSuccess, 0
	}

	var custom *CustomErr
	if errors.As(err, &custom) {
		return InstrErrCodeCustom, custom.Code
	}

	for _, entry := range instrErrCodes {
		if errors.Is(err, entry.err) {
			return entry.code, 0
		}
	}

	return InstrErrCodeGenericError, 0
}
