package exchange

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Envelope layout:
//
//	[2 byte big-endian preamble length]
//	[RSA-OAEP(symmetric key || IV)]
//	[AES-CTR ciphertext of plaintext || SHA-256(plaintext)]
//
// The checksum trailer travels inside the symmetric stream so a
// tampered envelope fails verification rather than decoding garbage.

const (
	symKeySize   = 32
	ivSize       = aes.BlockSize
	trailerSize  = sha256.Size
	headerLenLen = 2
)

// ErrChecksum is returned by Decrypter.End when the plaintext digest
// does not match the trailer sent by the encrypter.
var ErrChecksum = errors.New("checksum verification failed")

// Encrypter hybrid-encrypts a stream of plaintext chunks for a single
// recipient. Usage: Start, any number of Update calls, End.
type Encrypter struct {
	remote *rsa.PublicKey
	stream cipher.Stream
	hash   hash.Hash
}

// NewEncrypter creates an encrypter addressed to the given public key.
func NewEncrypter(remote *rsa.PublicKey) *Encrypter {
	return &Encrypter{remote: remote}
}

// Start generates the per-message symmetric material and returns the
// envelope header.
func (e *Encrypter) Start() ([]byte, error) {
	preamble := make([]byte, symKeySize+ivSize)
	if _, err := io.ReadFull(rand.Reader, preamble); err != nil {
		return nil, fmt.Errorf("failed to generate symmetric material: %w", err)
	}

	block, err := aes.NewCipher(preamble[:symKeySize])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	e.stream = cipher.NewCTR(block, preamble[symKeySize:])
	e.hash = sha256.New()

	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, e.remote, preamble, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal preamble: %w", err)
	}

	header := make([]byte, headerLenLen, headerLenLen+len(sealed))
	binary.BigEndian.PutUint16(header, uint16(len(sealed)))
	return append(header, sealed...), nil
}

// Update encrypts one chunk of plaintext.
func (e *Encrypter) Update(chunk []byte) []byte {
	e.hash.Write(chunk)
	out := make([]byte, len(chunk))
	e.stream.XORKeyStream(out, chunk)
	return out
}

// End encrypts and returns the checksum trailer.
func (e *Encrypter) End() []byte {
	digest := e.hash.Sum(nil)
	out := make([]byte, trailerSize)
	e.stream.XORKeyStream(out, digest)
	return out
}

// Checksum is the hex digest of everything passed to Update. Valid
// after End.
func (e *Encrypter) Checksum() string {
	return hex.EncodeToString(e.hash.Sum(nil))
}

// Decrypter reverses Encrypter. Feed it raw envelope bytes with
// Update; call End to verify the checksum trailer.
type Decrypter struct {
	local  *rsa.PrivateKey
	stream cipher.Stream
	hash   hash.Hash

	header bytes.Buffer // undecoded header bytes
	need   int          // total header size once known, 0 = unknown
	tail   []byte       // last trailerSize decrypted bytes, held back
}

// NewDecrypter creates a decrypter for envelopes addressed to the
// given private key.
func NewDecrypter(local *rsa.PrivateKey) *Decrypter {
	return &Decrypter{local: local}
}

// Update consumes raw envelope bytes and returns any plaintext that is
// certain not to belong to the checksum trailer.
func (d *Decrypter) Update(chunk []byte) ([]byte, error) {
	if d.stream == nil {
		d.header.Write(chunk)
		if d.need == 0 {
			if d.header.Len() < headerLenLen {
				return nil, nil
			}
			d.need = headerLenLen + int(binary.BigEndian.Uint16(d.header.Bytes()))
		}
		if d.header.Len() < d.need {
			return nil, nil
		}

		buf := d.header.Bytes()
		sealed := buf[headerLenLen:d.need]
		rest := buf[d.need:]

		preamble, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.local, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open preamble: %w", err)
		}
		if len(preamble) != symKeySize+ivSize {
			return nil, fmt.Errorf("malformed preamble")
		}
		block, err := aes.NewCipher(preamble[:symKeySize])
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		d.stream = cipher.NewCTR(block, preamble[symKeySize:])
		d.hash = sha256.New()
		return d.decryptBody(rest), nil
	}
	return d.decryptBody(chunk), nil
}

// decryptBody decrypts chunk and withholds the last trailerSize bytes
// seen so far, since they may be the checksum rather than payload.
func (d *Decrypter) decryptBody(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	plain := make([]byte, len(chunk))
	d.stream.XORKeyStream(plain, chunk)

	combined := append(d.tail, plain...)
	if len(combined) <= trailerSize {
		d.tail = combined
		return nil
	}
	emit := combined[:len(combined)-trailerSize]
	d.tail = append([]byte(nil), combined[len(combined)-trailerSize:]...)
	d.hash.Write(emit)
	return emit
}

// End verifies the withheld trailer against the digest of all emitted
// plaintext.
func (d *Decrypter) End() error {
	if d.stream == nil {
		return fmt.Errorf("truncated envelope")
	}
	if len(d.tail) != trailerSize {
		return fmt.Errorf("truncated envelope: missing checksum trailer")
	}
	digest := d.hash.Sum(nil)
	if !bytes.Equal(digest, d.tail) {
		return ErrChecksum
	}
	return nil
}

// Checksum is the hex digest of the plaintext recovered so far.
func (d *Decrypter) Checksum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// EncryptBytes runs the whole envelope over an in-memory payload.
func EncryptBytes(remote *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	enc := NewEncrypter(remote)
	header, err := enc.Start()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(header)
	out.Write(enc.Update(plaintext))
	out.Write(enc.End())
	return out.Bytes(), nil
}

// DecryptBytes opens an in-memory envelope and verifies its checksum.
func DecryptBytes(local *rsa.PrivateKey, envelope []byte) ([]byte, error) {
	dec := NewDecrypter(local)
	plain, err := dec.Update(envelope)
	if err != nil {
		return nil, err
	}
	if err := dec.End(); err != nil {
		return nil, err
	}
	return plain, nil
}

// EncryptStream copies r into w as a hybrid envelope, returning the
// plaintext checksum.
func EncryptStream(remote *rsa.PublicKey, w io.Writer, r io.Reader) (string, error) {
	enc := NewEncrypter(remote)
	header, err := enc.Start()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write envelope header: %w", err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(enc.Update(buf[:n])); err != nil {
				return "", fmt.Errorf("failed to write envelope body: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("failed to read plaintext: %w", rerr)
		}
	}

	if _, err := w.Write(enc.End()); err != nil {
		return "", fmt.Errorf("failed to write envelope trailer: %w", err)
	}
	return enc.Checksum(), nil
}

// DecryptStream copies an envelope from r into w, verifying the
// checksum before returning it.
func DecryptStream(local *rsa.PrivateKey, w io.Writer, r io.Reader) (string, error) {
	dec := NewDecrypter(local)

	buf := make([]byte, 64*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			plain, err := dec.Update(buf[:n])
			if err != nil {
				return "", err
			}
			if len(plain) > 0 {
				if _, err := w.Write(plain); err != nil {
					return "", fmt.Errorf("failed to write plaintext: %w", err)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("failed to read envelope: %w", rerr)
		}
	}

	if err := dec.End(); err != nil {
		return "", err
	}
	return dec.Checksum(), nil
}
