package signer

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"escrowline/internal/identity"
)

// Keyring maps user ids to keys. The API server uses it to act on behalf of
// authenticated users when it holds their keys (custodial dev mode).
type Keyring struct {
	mu     sync.RWMutex
	byUser map[string]*Key
}

func NewKeyring() *Keyring {
	return &Keyring{byUser: map[string]*Key{}}
}

func (r *Keyring) Add(userID string, k *Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = k
}

// For returns the signing context of userID, or Disconnected if none is held.
func (r *Keyring) For(userID string) identity.SigningContext {
	if r == nil {
		return Disconnected{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.byUser[userID]; ok {
		return k
	}
	return Disconnected{}
}

func (r *Keyring) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

type keyringFile struct {
	Keys []keyringEntry `yaml:"keys"`
}

type keyringEntry struct {
	User     string `yaml:"user"`
	Hex      string `yaml:"hex,omitempty"`
	Keystore string `yaml:"keystore,omitempty"`
}

// LoadKeyring reads a YAML keyring file:
//
//	keys:
//	  - user: <user id>
//	    hex: <private key>
//	  - user: <user id>
//	    keystore: path/to/keystore.json
//
// Keystore entries are decrypted with passphrase.
func LoadKeyring(path, passphrase string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f keyringFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keyring %s: %w", path, err)
	}
	ring := NewKeyring()
	for i, e := range f.Keys {
		if strings.TrimSpace(e.User) == "" {
			return nil, fmt.Errorf("keyring entry %d: user required", i)
		}
		var k *Key
		switch {
		case e.Hex != "" && e.Keystore != "":
			return nil, fmt.Errorf("keyring entry %d: set hex or keystore, not both", i)
		case e.Hex != "":
			k, err = FromHex(e.Hex)
		case e.Keystore != "":
			k, err = FromKeystore(e.Keystore, passphrase)
		default:
			return nil, fmt.Errorf("keyring entry %d: hex or keystore required", i)
		}
		if err != nil {
			return nil, fmt.Errorf("keyring entry %d (%s): %w", i, e.User, err)
		}
		ring.Add(e.User, k)
	}
	return ring, nil
}
