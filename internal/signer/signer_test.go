package signer

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/identity"
)

// Well-known development key (hardhat account #0).
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestFromHexDerivesAddress(t *testing.T) {
	k, err := FromHex(devKey)
	require.NoError(t, err)
	addr, err := k.Address(context.Background())
	require.NoError(t, err)
	assert.Equal(t, devAddr, addr)

	noPrefix, err := FromHex(devKey[2:])
	require.NoError(t, err)
	assert.Equal(t, k.Hex(), noPrefix.Hex())
}

func TestFromHexRejectsGarbage(t *testing.T) {
	_, err := FromHex("zz")
	require.Error(t, err)
	_, err = FromHex("  ")
	require.ErrorIs(t, err, identity.ErrNoSigner)
}

func TestDisconnectedHasNoSigner(t *testing.T) {
	_, err := Disconnected{}.Address(context.Background())
	require.ErrorIs(t, err, identity.ErrNoSigner)
}

func TestSignTxRecoversSender(t *testing.T) {
	k, err := FromHex(devKey)
	require.NoError(t, err)
	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(5),
	})
	signed, err := k.SignTx(tx, chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, devAddr, from.Hex())
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	acct, err := ks.NewAccount("pw")
	require.NoError(t, err)

	k, err := FromKeystore(acct.URL.Path, "pw")
	require.NoError(t, err)
	addr, _ := k.Address(context.Background())
	assert.Equal(t, acct.Address.Hex(), addr)

	_, err = FromKeystore(acct.URL.Path, "wrong")
	require.Error(t, err)
}

func TestKeyringFallsBackToDisconnected(t *testing.T) {
	ring := NewKeyring()
	k, err := FromHex(devKey)
	require.NoError(t, err)
	ring.Add("u1", k)

	addr, err := ring.For("u1").Address(context.Background())
	require.NoError(t, err)
	assert.Equal(t, devAddr, addr)

	_, err = ring.For("u2").Address(context.Background())
	require.ErrorIs(t, err, identity.ErrNoSigner)

	assert.Equal(t, 1, ring.Len())

	var nilRing *Keyring
	_, err = nilRing.For("u1").Address(context.Background())
	require.ErrorIs(t, err, identity.ErrNoSigner)
	assert.Zero(t, nilRing.Len())
}

func TestLoadKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.yml")
	require.NoError(t, os.WriteFile(path, []byte("keys:\n  - user: u1\n    hex: "+devKey+"\n"), 0o600))
	ring, err := LoadKeyring(path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, ring.Len())

	require.NoError(t, os.WriteFile(path, []byte("keys:\n  - user: u1\n"), 0o600))
	_, err = LoadKeyring(path, "")
	require.Error(t, err)
}
