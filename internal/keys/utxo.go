package keys

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// UTXOKeyring derives Bitcoin-family deposit addresses and their spending
// keys from a master seed. Derivation is pure: same seed and path always
// produce the same address. The account node sits at m/84'/0'/0'/0; client
// addresses hang off it at clientID/subPath.
type UTXOKeyring struct {
	prvNode      *hdkeychain.ExtendedKey
	pubNode      *hdkeychain.ExtendedKey
	params       *chaincfg.Params
	segwitNative bool
}

// NewUTXOKeyring builds the keyring, failing fast when the seed or either
// extended key does not decode for the configured network. A bad master key
// must stop the process before any address is issued.
func NewUTXOKeyring(seed []byte, params *chaincfg.Params, segwitNative bool) (*UTXOKeyring, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("master key from seed: %w", err)
	}

	node := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		node, err = node.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive account node: %w", err)
		}
	}

	pubNode, err := node.Neuter()
	if err != nil {
		return nil, fmt.Errorf("neuter account node: %w", err)
	}

	// Round-trip both serializations through the decoder; refusing to start
	// on a mismatched network prefix beats issuing unspendable addresses.
	for _, encoded := range []string{node.String(), pubNode.String()} {
		decoded, err := hdkeychain.NewKeyFromString(encoded)
		if err != nil {
			return nil, fmt.Errorf("extended key failed to round-trip: %w", err)
		}
		if !decoded.IsForNet(params) {
			return nil, fmt.Errorf("extended key is not for network %s", params.Name)
		}
	}

	return &UTXOKeyring{
		prvNode:      node,
		pubNode:      pubNode,
		params:       params,
		segwitNative: segwitNative,
	}, nil
}

// Address derives the deposit address for (clientID, subPath) from the
// public branch. Native segwit yields p2wpkh; otherwise the p2wpkh program
// is wrapped in p2sh for legacy-compatible addresses.
func (k *UTXOKeyring) Address(clientID int64, subPath string) (string, error) {
	child, err := deriveChild(k.pubNode, DerivationPath(clientID, subPath))
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("child public key: %w", err)
	}

	witness, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), k.params)
	if err != nil {
		return "", fmt.Errorf("p2wpkh address: %w", err)
	}
	if k.segwitNative {
		return witness.EncodeAddress(), nil
	}

	script, err := txscript.PayToAddrScript(witness)
	if err != nil {
		return "", fmt.Errorf("witness script: %w", err)
	}
	wrapped, err := btcutil.NewAddressScriptHash(script, k.params)
	if err != nil {
		return "", fmt.Errorf("p2sh-p2wpkh address: %w", err)
	}
	return wrapped.EncodeAddress(), nil
}

// PrivateKeyWIF derives the spending key for (clientID, subPath) in wallet
// import format, suitable for importprivkey on the node.
func (k *UTXOKeyring) PrivateKeyWIF(clientID int64, subPath string) (string, error) {
	child, err := deriveChild(k.prvNode, DerivationPath(clientID, subPath))
	if err != nil {
		return "", err
	}
	privKey, err := child.ECPrivKey()
	if err != nil {
		return "", fmt.Errorf("child private key: %w", err)
	}
	wif, err := btcutil.NewWIF(privKey, k.params, true)
	if err != nil {
		return "", fmt.Errorf("encode wif: %w", err)
	}
	return wif.String(), nil
}

// ValidAddress reports whether addr parses as an address for the keyring's
// network.
func (k *UTXOKeyring) ValidAddress(addr string) bool {
	decoded, err := btcutil.DecodeAddress(addr, k.params)
	if err != nil {
		return false
	}
	return decoded.IsForNet(k.params)
}
