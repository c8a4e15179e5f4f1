package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	"votebridge/models"

	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 provider error codes.
const (
	codeUserRejected = 4001
	codeUnauthorized = 4100
	codeDisconnected = 4900
	codeChainGone    = 4901
	codeUnknownChain = 4902
)

var (
	transientMessages = []string{
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"transaction underpriced",
		"max fee per gas less than block base fee",
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"too many requests",
		"header not found",
		"eof",
	}
	rejectedMessages = []string{
		"execution reverted",
		"revert",
		"invalid opcode",
	}
	// The node already holds the signed transaction in its pool.
	alreadyKnownMessages = []string{
		"already known",
		"known transaction",
	}
	userRejectedMessages = []string{
		"user rejected",
		"user denied",
	}
)

// Classify maps an error from the chain or wallet boundary to an ErrorKind.
// It is the only place in the engine that looks at RPC codes or messages.
func Classify(err error) models.ErrorKind {
	if err == nil {
		return ""
	}

	var ve *models.VoteError
	if errors.As(err, &ve) {
		return ve.Kind
	}

	switch {
	case errors.Is(err, ErrUserRejected):
		return models.KindUserRejected
	case errors.Is(err, ErrChainNotAdded):
		return models.KindNetworkMismatch
	case errors.Is(err, ErrWalletUnavailable), errors.Is(err, ErrInvalidKey):
		return models.KindWalletUnavailable
	case errors.Is(err, ErrNotConnected):
		return models.KindServerError
	case errors.Is(err, context.DeadlineExceeded):
		return models.KindTransientBroadcast
	case errors.Is(err, context.Canceled):
		return models.KindCanceled
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected:
			return models.KindUserRejected
		case codeUnknownChain:
			return models.KindNetworkMismatch
		case codeUnauthorized, codeDisconnected, codeChainGone:
			return models.KindWalletUnavailable
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, userRejectedMessages):
		return models.KindUserRejected
	case containsAny(msg, alreadyKnownMessages):
		return models.KindConfirmationAmbiguous
	case strings.Contains(msg, "insufficient funds"):
		return models.KindInsufficientFunds
	case containsAny(msg, rejectedMessages):
		return models.KindContractRejected
	case containsAny(msg, transientMessages):
		return models.KindTransientBroadcast
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.KindTransientBroadcast
	}

	return models.KindInternal
}

// IsAlreadyKnown reports whether a send failed only because the node already has the transaction.
func IsAlreadyKnown(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), alreadyKnownMessages)
}

// IsUnknownChain reports whether a network switch failed because the wallet does not know the chain.
func IsUnknownChain(err error) bool {
	if errors.Is(err, ErrChainNotAdded) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUnknownChain
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
