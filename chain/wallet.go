package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrWalletUnavailable = errors.New("wallet unavailable")
	ErrChainNotAdded     = errors.New("chain has not been added to the wallet")
	ErrUserRejected      = errors.New("user rejected the request")
	ErrInvalidKey        = errors.New("invalid private key")
)

// Network describes a chain a wallet can be switched to.
type Network struct {
	ChainID        *big.Int `json:"chain_id"`
	Name           string   `json:"name"`
	RPCURL         string   `json:"rpc_url"`
	CurrencySymbol string   `json:"currency_symbol"`
	ExplorerURL    string   `json:"explorer_url,omitempty"`
}

// TxRequest is everything a wallet needs to sign and broadcast a call.
type TxRequest struct {
	To        common.Address
	Data      []byte
	Value     *big.Int
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Wallet is the opaque signing capability: sign and broadcast, return the transaction hash.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	AddChain(ctx context.Context, network Network) error
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
}

// TxBackend is what a KeyWallet broadcasts through. *ethclient.Client satisfies it.
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Dialer opens a TxBackend for an RPC URL.
type Dialer func(ctx context.Context, rawurl string) (TxBackend, error)

// EthDialer dials a real node.
func EthDialer(ctx context.Context, rawurl string) (TxBackend, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// KeyWallet signs locally with an ECDSA key and broadcasts through the active network.
type KeyWallet struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	address  common.Address
	dial     Dialer
	networks map[string]Network
	active   *Network
	backend  TxBackend
}

func NewKeyWallet(key *ecdsa.PrivateKey, dial Dialer) *KeyWallet {
	if dial == nil {
		dial = EthDialer
	}
	return &KeyWallet{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		dial:     dial,
		networks: make(map[string]Network),
	}
}

func (w *KeyWallet) Address() common.Address {
	return w.address
}

// ChainID returns the id of the active network as reported by its node.
func (w *KeyWallet) ChainID(ctx context.Context) (*big.Int, error) {
	w.mu.Lock()
	backend := w.backend
	w.mu.Unlock()

	if backend == nil {
		return nil, ErrWalletUnavailable
	}
	return backend.ChainID(ctx)
}

func (w *KeyWallet) AddChain(ctx context.Context, network Network) error {
	if network.ChainID == nil || network.ChainID.Sign() <= 0 {
		return errors.New("network chain id is required")
	}
	if network.RPCURL == "" {
		return errors.New("network rpc url is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.networks[network.ChainID.String()] = network
	return nil
}

func (w *KeyWallet) SwitchChain(ctx context.Context, chainID *big.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	network, ok := w.networks[chainID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotAdded, chainID)
	}

	backend, err := w.dial(ctx, network.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", network.Name, err)
	}

	if closer, ok := w.backend.(interface{ Close() }); ok {
		closer.Close()
	}
	w.backend = backend
	w.active = &network
	return nil
}

func (w *KeyWallet) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.backend == nil || w.active == nil {
		return common.Hash{}, ErrWalletUnavailable
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get account nonce: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.active.ChainID,
		Nonce:     nonce,
		GasTipCap: req.GasTipCap,
		GasFeeCap: req.GasFeeCap,
		Gas:       req.Gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.active.ChainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		if IsAlreadyKnown(err) {
			return signed.Hash(), nil
		}
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Close releases the active network connection.
func (w *KeyWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if closer, ok := w.backend.(interface{ Close() }); ok {
		closer.Close()
	}
	w.backend = nil
	w.active = nil
}

// ParsePrivateKey decodes a hex private key, with or without the 0x prefix.
func ParsePrivateKey(keyStr string) (*ecdsa.PrivateKey, error) {
	keyStr = strings.TrimPrefix(strings.TrimSpace(keyStr), "0x")

	keyBytes, err := hex.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex string: %w", err)
	}

	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// OpenKeyWallet builds a KeyWallet from a hex key and connects it to network.
func OpenKeyWallet(ctx context.Context, keyHex string, network Network, dial Dialer) (*KeyWallet, error) {
	key, err := ParsePrivateKey(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	w := NewKeyWallet(key, dial)
	if err := w.AddChain(ctx, network); err != nil {
		return nil, err
	}
	if err := w.SwitchChain(ctx, network.ChainID); err != nil {
		return nil, err
	}
	return w, nil
}
