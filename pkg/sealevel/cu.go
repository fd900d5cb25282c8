package sealevel

const (
	CUInvokeUnits                      = 1000
	CUCreateProgramAddressUnits        = 1500
	CUSystemProgramDefaultComputeUnits = 150
	CUDelegationProgramComputeUnits    = 3000
	CUMagicProgramComputeUnits         = 1000
	CUUserProgramComputeUnits          = 2000
)
