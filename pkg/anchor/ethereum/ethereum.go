// Package ethereum anchors execution hashes as calldata in zero-value
// self-transfers on an EVM chain. The payload is
// "clawver:proof:v1:<execution_hash>"; anyone holding the proof can
// locate the transaction and compare the embedded hash.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/moridanjin/clawver-protocol/pkg/anchor"
)

const calldataPrefix = "clawver:proof:v1:"

// Intrinsic 21000 plus headroom for calldata bytes. The payload is
// under 100 bytes so this never undershoots.
const anchorGasLimit = 50000

type Config struct {
	EndpointURL   string
	PrivateKeyHex string
	ChainID       int64
}

// Anchorer dials the endpoint lazily on first Anchor call so a
// misconfigured or unreachable node does not block process startup.
type Anchorer struct {
	cfg Config

	once    sync.Once
	initErr error
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

func New(cfg Config) (*Anchorer, error) {
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		return nil, fmt.Errorf("ethereum anchor: endpoint url required")
	}
	if strings.TrimSpace(cfg.PrivateKeyHex) == "" {
		return nil, fmt.Errorf("ethereum anchor: private key required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("ethereum anchor: chain id required")
	}
	return &Anchorer{cfg: cfg}, nil
}

func (a *Anchorer) init(ctx context.Context) error {
	a.once.Do(func() {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(a.cfg.PrivateKeyHex, "0x"))
		if err != nil {
			a.initErr = fmt.Errorf("ethereum anchor: parse key: %w", err)
			return
		}
		client, err := ethclient.DialContext(ctx, a.cfg.EndpointURL)
		if err != nil {
			a.initErr = fmt.Errorf("ethereum anchor: dial %s: %w", a.cfg.EndpointURL, err)
			return
		}
		a.key = key
		a.client = client
		a.from = crypto.PubkeyToAddress(key.PublicKey)
		a.chainID = big.NewInt(a.cfg.ChainID)
	})
	return a.initErr
}

func (a *Anchorer) Anchor(ctx context.Context, executionHash string) (anchor.Receipt, error) {
	if strings.TrimSpace(executionHash) == "" {
		return anchor.Receipt{}, fmt.Errorf("ethereum anchor: empty execution hash")
	}
	if err := a.init(ctx); err != nil {
		return anchor.Receipt{}, err
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("ethereum anchor: nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("ethereum anchor: gas price: %w", err)
	}

	data := []byte(calldataPrefix + executionHash)
	tx := types.NewTransaction(nonce, a.from, big.NewInt(0), anchorGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("ethereum anchor: sign: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return anchor.Receipt{}, fmt.Errorf("ethereum anchor: send: %w", err)
	}
	return anchor.Receipt{Kind: "ethereum", Ref: signed.Hash().Hex()}, nil
}

// Close releases the RPC connection if one was established.
func (a *Anchorer) Close() {
	if a.client != nil {
		a.client.Close()
	}
}
