package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"votebridge/chain"
	"votebridge/confirm"
	"votebridge/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// AdminContract builds calldata for the program's administrative writes.
type AdminContract interface {
	Address() common.Address
	PackRegisterCandidate(studentID string) ([]byte, error)
	PackRegisterVoter(voter common.Address) ([]byte, error)
	PackRegisterVoters(voters []common.Address) ([]byte, error)
	PackUpdateElectionStatus(electionID *big.Int, status uint8) ([]byte, error)
}

// ChainRegistrar sends administrative writes from the admin wallet and waits
// for their confirmation.
type ChainRegistrar struct {
	contract  AdminContract
	wallet    chain.Wallet
	confirmer Confirmer
	fees      models.FeeSchedule
	logger    *slog.Logger
}

func NewChainRegistrar(contract AdminContract, wallet chain.Wallet, confirmer Confirmer, fees models.FeeSchedule, logger *slog.Logger) *ChainRegistrar {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ChainRegistrar{
		contract:  contract,
		wallet:    wallet,
		confirmer: confirmer,
		fees:      fees,
		logger:    logger,
	}
}

func (r *ChainRegistrar) RegisterCandidate(ctx context.Context, studentID string) error {
	data, err := r.contract.PackRegisterCandidate(studentID)
	if err != nil {
		return err
	}
	_, err = r.send(ctx, "registerCandidate", data)
	return err
}

// RegisterVoters allow-lists voter addresses, using the batch call for more than one.
func (r *ChainRegistrar) RegisterVoters(ctx context.Context, voters []common.Address) (common.Hash, error) {
	var (
		data []byte
		err  error
	)
	switch len(voters) {
	case 0:
		return common.Hash{}, fmt.Errorf("no voters to register")
	case 1:
		data, err = r.contract.PackRegisterVoter(voters[0])
	default:
		data, err = r.contract.PackRegisterVoters(voters)
	}
	if err != nil {
		return common.Hash{}, err
	}
	return r.send(ctx, "registerVoters", data)
}

func (r *ChainRegistrar) UpdateElectionStatus(ctx context.Context, electionID *big.Int, status uint8) (common.Hash, error) {
	data, err := r.contract.PackUpdateElectionStatus(electionID, status)
	if err != nil {
		return common.Hash{}, err
	}
	return r.send(ctx, "updateElectionStatus", data)
}

func (r *ChainRegistrar) send(ctx context.Context, method string, data []byte) (common.Hash, error) {
	hash, err := r.wallet.SendTransaction(ctx, chain.TxRequest{
		To:        r.contract.Address(),
		Data:      data,
		Gas:       r.fees.GasLimit,
		GasTipCap: r.fees.GasTipCap,
		GasFeeCap: r.fees.GasFeeCap,
	})
	if err != nil {
		return common.Hash{}, models.NewVoteError(chain.Classify(err), fmt.Errorf("%s: %w", method, err))
	}

	res := r.confirmer.Confirm(ctx, hash)
	r.logger.Info("admin transaction settled", "method", method, "tx_hash", hash.Hex(), "outcome", res.Outcome.String())

	switch res.Outcome {
	case confirm.Confirmed:
		return hash, nil
	case confirm.Failed:
		return hash, models.NewVoteError(models.KindContractRejected, fmt.Errorf("%s reverted in %s", method, hash.Hex()))
	default:
		return hash, models.NewVoteError(models.KindConfirmationAmbiguous, fmt.Errorf("%s unconfirmed in %s", method, hash.Hex()))
	}
}

type AdminCredentials struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// LoadOrGenerateAdminKey reads the admin key from storagePath, generating and
// saving a fresh one on first run.
func LoadOrGenerateAdminKey(storagePath string) (*ecdsa.PrivateKey, error) {
	adminKeyPath := filepath.Join(storagePath, "admin_credentials.json")

	if data, err := os.ReadFile(adminKeyPath); err == nil {
		var creds AdminCredentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse admin credentials: %v", err)
		}
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to restore admin private key: %v", err)
		}
		return privateKey, nil
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin key: %v", err)
	}

	creds := AdminCredentials{
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal admin credentials: %v", err)
	}
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %v", err)
	}
	if err := os.WriteFile(adminKeyPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save admin credentials: %v", err)
	}
	return privateKey, nil
}
