package service

import (
	"context"
	"errors"
	"fmt"

	"votebridge/chain"
	"votebridge/models"
)

// connectWallet puts wallet on the expected network. A chain mismatch gets one
// switch; a chain the wallet does not know is added and switched to once.
func connectWallet(ctx context.Context, wallet chain.Wallet, network chain.Network) error {
	// 1. A wallet must be present
	if wallet == nil {
		return models.NewVoteError(models.KindWalletUnavailable, chain.ErrWalletUnavailable)
	}

	// 2. Already on the right chain
	current, err := wallet.ChainID(ctx)
	if err != nil {
		return walletError(err)
	}
	if current.Cmp(network.ChainID) == 0 {
		return nil
	}

	// 3. Switch, registering the network first when the wallet lacks it
	err = wallet.SwitchChain(ctx, network.ChainID)
	if err == nil {
		return nil
	}
	if !chain.IsUnknownChain(err) {
		return walletError(err)
	}
	if err := wallet.AddChain(ctx, network); err != nil {
		return walletError(err)
	}
	if err := wallet.SwitchChain(ctx, network.ChainID); err != nil {
		return walletError(err)
	}
	return nil
}

func walletError(err error) error {
	switch kind := chain.Classify(err); {
	case kind == models.KindUserRejected, kind == models.KindWalletUnavailable:
		return models.NewVoteError(kind, err)
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewVoteError(models.KindNetworkMismatch, fmt.Errorf("wallet network check timed out: %w", err))
	default:
		return models.NewVoteError(models.KindNetworkMismatch, err)
	}
}
