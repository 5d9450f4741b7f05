package pgpstream

import (
	"bufio"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"gitlab.com/tozd/go/errors"
)

// maxNesting bounds how many compressed layers a message may wrap its
// literal data in.
const maxNesting = 8

// PushDecryption decodes the message readable from s and leaves the literal
// data as the innermost layer. The ring must hold the private key the message
// was encrypted to.
func PushDecryption(s *ReadStack, ring openpgp.EntityList, passphrase []byte) error {
	br := bufio.NewReader(s.Top())
	var src io.Reader = br

	first, err := br.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Errorf("%w: empty input", ErrNoPayload)
		}
		return errors.Errorf("reading message: %w", err)
	}
	// Binary packets always have the high bit set in their tag byte.
	if first[0]&0x80 == 0 {
		block, err := armor.Decode(br)
		if err != nil {
			return errors.Errorf("decoding armor: %w", err)
		}
		src = block.Body
	}

	packets := packet.NewReader(src)
	var keys []*packet.EncryptedKey
	for {
		p, err := packets.Next()
		if errors.Is(err, io.EOF) {
			return errors.Errorf("%w: no encrypted data", ErrNoPayload)
		}
		if err != nil {
			return errors.Errorf("reading packet: %w", err)
		}

		switch p := p.(type) {
		case *packet.EncryptedKey:
			keys = append(keys, p)
		case packet.EncryptedDataPacket:
			ek, err := openSessionKey(keys, ring, passphrase)
			if err != nil {
				return err
			}
			plain, err := p.Decrypt(ek.CipherFunc, ek.Key)
			if err != nil {
				return errors.Errorf("decrypting data: %w", err)
			}
			s.PushReader(plain)
			return pushPayload(s, plain, 0)
		}
	}
}

func openSessionKey(keys []*packet.EncryptedKey, ring openpgp.EntityList, passphrase []byte) (*packet.EncryptedKey, error) {
	if len(keys) == 0 {
		return nil, errors.Errorf("%w: message has no encrypted session key", ErrKeyNotFound)
	}

	var firstErr error
	for _, ek := range keys {
		priv, err := unlockKey(ring, ek.KeyId, passphrase)
		if err != nil {
			if errors.Is(err, ErrWrongPassphrase) {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := ek.Decrypt(priv, nil); err != nil {
			if firstErr == nil {
				firstErr = errors.Errorf("decrypting session key: %w", err)
			}
			continue
		}
		return ek, nil
	}
	return nil, firstErr
}

// pushPayload walks the decrypted packet sequence. Compressed data is opened
// with a fresh packet reader, literal data ends the walk.
func pushPayload(s *ReadStack, r io.Reader, depth int) error {
	if depth > maxNesting {
		return errors.Errorf("%w: more than %d nested layers", ErrNoPayload, maxNesting)
	}

	packets := packet.NewReader(r)
	for {
		p, err := packets.Next()
		if errors.Is(err, io.EOF) {
			return errors.Errorf("%w: message ended without literal data", ErrNoPayload)
		}
		if err != nil {
			return errors.Errorf("reading decrypted packet: %w", err)
		}

		switch p := p.(type) {
		case *packet.Compressed:
			s.PushReader(p.Body)
			return pushPayload(s, p.Body, depth+1)
		case *packet.LiteralData:
			s.PushReader(p.Body)
			return nil
		}
	}
}

// NewDecryptReader returns a stack yielding the cleartext of the message read
// from src. src stays owned by the caller.
func NewDecryptReader(src io.Reader, ring openpgp.EntityList, passphrase []byte) (*ReadStack, error) {
	s := NewReadStack(io.NopCloser(src))
	if err := PushDecryption(s, ring, passphrase); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Decrypt decrypts all of src into dst. Integrity failures detected when the
// layers are closed are returned as errors.
func Decrypt(dst io.Writer, src io.Reader, ring openpgp.EntityList, passphrase []byte) (int64, error) {
	s, err := NewDecryptReader(src, ring, passphrase)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, s)
	closeErr := s.Close()
	if err != nil {
		return n, errors.Errorf("decrypting: %w", err)
	}
	if closeErr != nil {
		return n, errors.Errorf("verifying decrypted message: %w", closeErr)
	}
	return n, nil
}
