package tier

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	xerrors "ProofChain/internal/errors"
)

// KeyRing holds the symmetric keys that seal Restricted metadata. One key is
// active for new envelopes; older keys stay available for decryption.
type KeyRing struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	active string
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string][]byte)}
}

// ParseKeyRing builds a key ring from hex-encoded keys. When active is empty
// and exactly one key is given, that key becomes active.
func ParseKeyRing(hexKeys map[string]string, active string) (*KeyRing, error) {
	ring := NewKeyRing()
	ids := make([]string, 0, len(hexKeys))
	for id := range hexKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKeys[id]), "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("密钥 %s 不是合法的十六进制", id))
		}
		if err := ring.Add(id, raw); err != nil {
			return nil, err
		}
	}
	if active == "" && len(ids) == 1 {
		active = ids[0]
	}
	if active != "" {
		if err := ring.Activate(active); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// Add stores a 32-byte key under id.
func (k *KeyRing) Add(id string, key []byte) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "密钥 ID 不能为空")
	}
	if len(key) != chacha20poly1305.KeySize {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("密钥 %s 长度应为 %d 字节", id, chacha20poly1305.KeySize))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = append([]byte(nil), key...)
	return nil
}

// Activate selects the key used for new envelopes.
func (k *KeyRing) Activate(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		return xerrors.New(CodeKeyMissing, fmt.Sprintf("密钥 %s 不存在", id))
	}
	k.active = id
	return nil
}

// Active returns the active key.
func (k *KeyRing) Active() (string, []byte, bool) {
	if k == nil {
		return "", nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == "" {
		return "", nil, false
	}
	return k.active, k.keys[k.active], true
}

// Key returns the key stored under id.
func (k *KeyRing) Key(id string) ([]byte, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}
