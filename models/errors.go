package models

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrorKind is the closed taxonomy the engine switches on.
type ErrorKind string

const (
	KindAlreadyVoted          ErrorKind = "already_voted"
	KindTokenInvalid          ErrorKind = "token_invalid_or_expired"
	KindWalletUnavailable     ErrorKind = "wallet_unavailable"
	KindNetworkMismatch       ErrorKind = "network_mismatch"
	KindUserRejected          ErrorKind = "user_rejected"
	KindTransientBroadcast    ErrorKind = "transient_broadcast_failure"
	KindConfirmationAmbiguous ErrorKind = "confirmation_ambiguous"
	KindContractRejected      ErrorKind = "contract_rejected"
	KindInsufficientFunds     ErrorKind = "insufficient_funds"
	KindNotDeployed           ErrorKind = "not_deployed"
	KindNotFound              ErrorKind = "not_found"
	KindServerError           ErrorKind = "server_error"
	KindInProgress            ErrorKind = "in_progress"
	KindCanceled              ErrorKind = "canceled"
	KindInternal              ErrorKind = "internal"
)

// Retryable reports whether a broadcast failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientBroadcast
}

func (k ErrorKind) UserMessage() string {
	switch k {
	case KindAlreadyVoted:
		return "You have already voted in this election."
	case KindTokenInvalid:
		return "Your voting session expired. Please start again."
	case KindWalletUnavailable:
		return "No wallet is available. Connect a wallet and try again."
	case KindNetworkMismatch:
		return "Your wallet is connected to the wrong network."
	case KindUserRejected:
		return "The transaction was rejected in your wallet."
	case KindTransientBroadcast:
		return "The network is congested. Please try again shortly."
	case KindConfirmationAmbiguous:
		return "Your vote could not be confirmed on the blockchain and was not recorded. Please try again."
	case KindContractRejected:
		return "The voting contract rejected this vote."
	case KindInsufficientFunds:
		return "Your wallet does not have enough funds to pay for the transaction."
	case KindNotDeployed:
		return "This election has not been deployed to the blockchain yet."
	case KindNotFound:
		return "The selected candidate could not be found."
	case KindServerError:
		return "The voting service is unavailable. Please try again later."
	case KindInProgress:
		return "A vote is already being submitted."
	case KindCanceled:
		return "The vote submission was canceled before it completed."
	default:
		return "Something went wrong while submitting your vote."
	}
}

// VoteError is the error surfaced by the engine. The resolved ids are carried for diagnosis.
type VoteError struct {
	Kind            ErrorKind
	Message         string
	Err             error
	ChainElectionID *big.Int
	ChainChoiceID   *big.Int
}

func NewVoteError(kind ErrorKind, err error) *VoteError {
	return &VoteError{Kind: kind, Message: kind.UserMessage(), Err: err}
}

func (e *VoteError) Error() string {
	msg := string(e.Kind)
	if e.ChainElectionID != nil || e.ChainChoiceID != nil {
		msg = fmt.Sprintf("%s (chain election %v, choice %v)", msg, e.ChainElectionID, e.ChainChoiceID)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *VoteError) Unwrap() error { return e.Err }

// KindOf extracts the kind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var ve *VoteError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}
