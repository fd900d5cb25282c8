package rent

import (
	"errors"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
)

const (
	RentStateUninitialized = iota
	RentStateRentPaying
	RentStateRentExempt
)

var ErrRentStateTransition = errors.New("rent state transition not allowed")

type RentPayingInfo struct {
	Lamports uint64
	DataSize uint64
}

type RentStateInfo struct {
	RentState      uint64
	RentPayingInfo RentPayingInfo
}

func RentStateFromAcct(acct *accounts.Account, rent *sealevel.SysvarRent) *RentStateInfo {
	if acct.Lamports == 0 {
		return &RentStateInfo{RentState: RentStateUninitialized}
	} else if rent.IsExempt(acct.Lamports, uint64(len(acct.Data))) {
		return &RentStateInfo{RentState: RentStateRentExempt}
	} else {
		return &RentStateInfo{RentState: RentStateRentPaying, RentPayingInfo: RentPayingInfo{Lamports: acct.Lamports, DataSize: uint64(len(acct.Data))}}
	}
}

// NewRentStateInfo snapshots the rent state of every writable account; read
// only entries are nil.
func NewRentStateInfo(rent *sealevel.SysvarRent, txAccts *sealevel.TransactionAccounts, writable []bool) []*RentStateInfo {
	rentStateInfos := make([]*RentStateInfo, len(txAccts.Accounts))
	for idx, acct := range txAccts.Accounts {
		if idx < len(writable) && writable[idx] {
			rentStateInfos[idx] = RentStateFromAcct(acct, rent)
		}
	}
	return rentStateInfos
}

func checkRentStateTransitionAllowed(preRentState *RentStateInfo, postRentState *RentStateInfo) error {
	if preRentState == nil || postRentState == nil {
		return nil
	}

	switch postRentState.RentState {
	case RentStateUninitialized, RentStateRentExempt:
		return nil
	}

	// post state is rent paying
	if preRentState.RentState != RentStateRentPaying {
		return ErrRentStateTransition
	}
	if postRentState.RentPayingInfo.DataSize == preRentState.RentPayingInfo.DataSize &&
		postRentState.RentPayingInfo.Lamports <= preRentState.RentPayingInfo.Lamports {
		return nil
	}
	return ErrRentStateTransition
}

// VerifyRentStateChanges rejects transactions that leave a writable account
// rent paying unless it already was and did not grow or gain lamports.
func VerifyRentStateChanges(preStates []*RentStateInfo, postStates []*RentStateInfo, txAccts *sealevel.TransactionAccounts) error {
	if len(preStates) != len(postStates) {
		return fmt.Errorf("pre and post rent states differ in length: %d != %d", len(preStates), len(postStates))
	}

	for idx := range preStates {
		err := checkRentStateTransitionAllowed(preStates[idx], postStates[idx])
		if err != nil {
			return fmt.Errorf("account %s: %w", txAccts.Accounts[idx].Key, err)
		}
	}
	return nil
}
