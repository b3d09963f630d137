package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DerivationPath joins a client id and sub-path into the relative path
// appended to a keyring's base node, e.g. clientID 7 + "0/1" -> "7/0/1".
func DerivationPath(clientID int64, subPath string) string {
	return strconv.FormatInt(clientID, 10) + "/" + subPath
}

// parsePath splits a relative derivation path into child indices. Only
// non-hardened components are allowed below the account node; hardened
// children cannot be derived from the neutered public branch.
func parsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	indices := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty component in path %q", path)
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("path component %q: %w", p, err)
		}
		if uint32(n) >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("path component %d is in the hardened range", n)
		}
		indices = append(indices, uint32(n))
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty derivation path")
	}
	return indices, nil
}

func deriveChild(node *hdkeychain.ExtendedKey, path string) (*hdkeychain.ExtendedKey, error) {
	indices, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	current := node
	for _, idx := range indices {
		child, err := current.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
		current = child
	}
	return current, nil
}
