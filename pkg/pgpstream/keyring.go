package pgpstream

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"gitlab.com/tozd/go/errors"
)

var (
	ErrKeyNotFound     = errors.New("no matching key in key ring")
	ErrWrongPassphrase = errors.New("invalid passphrase for private key")
	ErrNoPayload       = errors.New("no literal data found in message")
)

// KeyRing is a key ring materialized in memory. The source file is read once;
// every call to Entities decodes a fresh copy, so unlocking a private key
// never alters the buffer.
type KeyRing struct {
	data []byte
}

func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading key ring %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Errorf("key ring %s is empty", path)
	}
	return &KeyRing{data: data}, nil
}

func NewKeyRing(data []byte) *KeyRing {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &KeyRing{data: buf}
}

func (k *KeyRing) Armored() bool {
	return bytes.HasPrefix(bytes.TrimSpace(k.data), []byte("-----BEGIN"))
}

func (k *KeyRing) Entities() (openpgp.EntityList, error) {
	var (
		ring openpgp.EntityList
		err  error
	)
	if k.Armored() {
		ring, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(k.data))
	} else {
		ring, err = openpgp.ReadKeyRing(bytes.NewReader(k.data))
	}
	if err != nil {
		return nil, errors.Errorf("decoding key ring: %w", err)
	}
	return ring, nil
}

// SelectRecipient picks the public key to encrypt to. With a selector, the
// first entity whose key id (long or short hex, optional 0x) or identity
// contains the selector wins; without one, the first entity that has a usable
// encryption key.
func SelectRecipient(ring openpgp.EntityList, selector string, now time.Time) (*packet.PublicKey, error) {
	selector = strings.TrimSpace(selector)
	for _, e := range ring {
		if selector != "" && !entityMatches(e, selector) {
			continue
		}
		key, ok := e.EncryptionKey(now)
		if !ok {
			continue
		}
		return key.PublicKey, nil
	}
	if selector != "" {
		return nil, errors.Errorf("%w: %q", ErrKeyNotFound, selector)
	}
	return nil, errors.Errorf("%w: no encryption key", ErrKeyNotFound)
}

func entityMatches(e *openpgp.Entity, selector string) bool {
	id := strings.TrimPrefix(strings.ToLower(selector), "0x")
	keys := []*packet.PublicKey{e.PrimaryKey}
	for _, sub := range e.Subkeys {
		keys = append(keys, sub.PublicKey)
	}
	for _, k := range keys {
		if k == nil {
			continue
		}
		if strings.EqualFold(k.KeyIdString(), id) || strings.EqualFold(k.KeyIdShortString(), id) {
			return true
		}
	}

	needle := strings.ToLower(selector)
	for name := range e.Identities {
		if strings.Contains(strings.ToLower(name), needle) {
			return true
		}
	}
	return false
}

// unlockKey finds the private key the message was encrypted to and decrypts
// it with passphrase.
func unlockKey(ring openpgp.EntityList, keyID uint64, passphrase []byte) (*packet.PrivateKey, error) {
	for _, key := range ring.KeysById(keyID) {
		if key.PrivateKey == nil {
			continue
		}
		if key.PrivateKey.Encrypted {
			if err := key.PrivateKey.Decrypt(passphrase); err != nil {
				return nil, errors.Errorf("%w: key %016X: %s", ErrWrongPassphrase, keyID, err.Error())
			}
		}
		return key.PrivateKey, nil
	}
	return nil, errors.Errorf("%w: private key %016X", ErrKeyNotFound, keyID)
}
