// Package signer provides signing contexts backed by secp256k1 keys.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"escrowline/internal/identity"
)

// Key is a signing context holding a private key in memory.
type Key struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newKey(pk *ecdsa.PrivateKey) *Key {
	return &Key{key: pk, addr: crypto.PubkeyToAddress(pk.PublicKey)}
}

// FromHex loads a key from a hex-encoded private key, with or without 0x.
func FromHex(hexKey string) (*Key, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("%w: empty private key", identity.ErrNoSigner)
	}
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newKey(pk), nil
}

// FromKeystore decrypts a V3 keystore file.
func FromKeystore(path, passphrase string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	k, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
	}
	return newKey(k.PrivateKey), nil
}

// Generate creates a fresh random key.
func Generate() (*Key, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return newKey(pk), nil
}

func (k *Key) Address(context.Context) (string, error) {
	return k.addr.Hex(), nil
}

// Hex returns the hex-encoded private key.
func (k *Key) Hex() string {
	return hexutil.Encode(crypto.FromECDSA(k.key))
}

// SignTx signs tx for chainID with the latest signer rules.
func (k *Key) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), k.key)
}

// Disconnected is a signing context with no key behind it.
type Disconnected struct{}

func (Disconnected) Address(context.Context) (string, error) {
	return "", identity.ErrNoSigner
}
