package pgpstream

import (
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"gitlab.com/tozd/go/errors"
)

const messageBlockType = "PGP MESSAGE"

// DefaultConfig is AES-256 with ZLIB compression.
func DefaultConfig() *packet.Config {
	return &packet.Config{
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionZLIB,
	}
}

type EncryptOptions struct {
	Armor    bool
	FileName string
	ModTime  time.Time
	Config   *packet.Config
}

// PushEncryption pushes, outer to inner, the armor (optional), encrypted-data,
// compressed-data and literal-data layers on top of s. Writing to s afterwards
// writes cleartext.
func PushEncryption(s *WriteStack, recipient *packet.PublicKey, opts EncryptOptions) error {
	if recipient == nil {
		return errors.Errorf("%w: no recipient", ErrKeyNotFound)
	}
	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}

	if opts.Armor {
		aw, err := armor.Encode(NopWriteCloser(s.Top()), messageBlockType, nil)
		if err != nil {
			return errors.Errorf("starting armor: %w", err)
		}
		s.PushWriter(aw)
	}

	cipher := config.Cipher()
	sessionKey := make([]byte, cipher.KeySize())
	if _, err := io.ReadFull(config.Random(), sessionKey); err != nil {
		return errors.Errorf("generating session key: %w", err)
	}
	if err := packet.SerializeEncryptedKey(s.Top(), recipient, cipher, sessionKey, config); err != nil {
		return errors.Errorf("writing encrypted session key: %w", err)
	}

	ew, err := packet.SerializeSymmetricallyEncrypted(s.Top(), cipher, false, packet.CipherSuite{}, sessionKey, config)
	if err != nil {
		return errors.Errorf("starting encrypted data: %w", err)
	}
	s.PushWriter(ew)

	if algo := config.Compression(); algo != packet.CompressionNone {
		cw, err := packet.SerializeCompressed(NopWriteCloser(s.Top()), algo, config.CompressionConfig)
		if err != nil {
			return errors.Errorf("starting compressed data: %w", err)
		}
		s.PushWriter(cw)
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = config.Now()
	}
	lw, err := packet.SerializeLiteral(NopWriteCloser(s.Top()), true, opts.FileName, uint32(modTime.Unix()))
	if err != nil {
		return errors.Errorf("starting literal data: %w", err)
	}
	s.PushWriter(lw)
	return nil
}

// NewEncryptWriter returns a stack writing an encrypted message to dst. dst
// stays owned by the caller; closing the stack finalizes the message.
func NewEncryptWriter(dst io.Writer, recipient *packet.PublicKey, opts EncryptOptions) (*WriteStack, error) {
	s := NewWriteStack(NopWriteCloser(dst))
	if err := PushEncryption(s, recipient, opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Encrypt encrypts all of src into dst.
func Encrypt(dst io.Writer, src io.Reader, recipient *packet.PublicKey, opts EncryptOptions) (int64, error) {
	s, err := NewEncryptWriter(dst, recipient, opts)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(s, src)
	closeErr := s.Close()
	if err != nil {
		return n, errors.Errorf("encrypting: %w", err)
	}
	if closeErr != nil {
		return n, errors.Errorf("finalizing encrypted message: %w", closeErr)
	}
	return n, nil
}
