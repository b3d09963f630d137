package keys

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountKeyring derives account-chain (Ethereum-style) keypairs from the
// same master seed, rooted at m/44'/60'/0'/0.
type AccountKeyring struct {
	prvNode *hdkeychain.ExtendedKey
}

func NewAccountKeyring(seed []byte) (*AccountKeyring, error) {
	// The extended-key network prefix never leaves the process for account
	// chains, so mainnet params serve as the serialization context.
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key from seed: %w", err)
	}

	node := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		node, err = node.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive account node: %w", err)
		}
	}
	return &AccountKeyring{prvNode: node}, nil
}

// PrivateKey derives the ECDSA signing key for (clientID, subPath).
func (k *AccountKeyring) PrivateKey(clientID int64, subPath string) (*ecdsa.PrivateKey, error) {
	child, err := deriveChild(k.prvNode, DerivationPath(clientID, subPath))
	if err != nil {
		return nil, err
	}
	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("child private key: %w", err)
	}
	return privKey.ToECDSA(), nil
}

// Address derives the checksummed account address for (clientID, subPath).
func (k *AccountKeyring) Address(clientID int64, subPath string) (string, error) {
	priv, err := k.PrivateKey(clientID, subPath)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

// ValidAddress reports whether addr is a well-formed hex account address.
func (k *AccountKeyring) ValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}
