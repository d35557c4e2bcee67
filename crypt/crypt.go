package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	BLOCK_SIZE     = aes.BlockSize
	KEY_HEX_LENGTH = 32 // hex characters consumed from the password hash

	PBKDF2_ITERATIONS = 4096
)

type Mode int

const (
	Encrypt Mode = iota
	Decrypt
)

// PaddingError reports invalid PKCS#7 padding at Finalize time. For the
// transfer protocol this is the wrong-password signal, not an I/O fault.
type PaddingError struct {
	Message string
}

func (e *PaddingError) Error() string {
	return e.Message
}

// HashPassword derives the password hash exchanged key material is built
// from: a hex digest of the password concatenated with the static salt.
func HashPassword(password string, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// LegacyKey turns a password hash into key material the way the original
// wire format does: the first 32 hex characters decode to 16 raw bytes used
// as both the AES key and the initialization vector.
func LegacyKey(hash string) (key []byte, iv []byte, err error) {
	if len(hash) < KEY_HEX_LENGTH {
		return nil, nil, fmt.Errorf("password hash must carry at least %d hex characters, got %d", KEY_HEX_LENGTH, len(hash))
	}
	key, err = hex.DecodeString(hash[:KEY_HEX_LENGTH])
	if err != nil {
		return nil, nil, fmt.Errorf("password hash is not valid hex: %w", err)
	}
	return key, key, nil
}

// PBKDF2Key derives a distinct AES-256 key and initialization vector from the
// password. Not compatible with peers using the legacy derivation.
func PBKDF2Key(password string, salt string) (key []byte, iv []byte) {
	material := pbkdf2.Key([]byte(password), []byte(salt), PBKDF2_ITERATIONS, 48, sha256.New)
	return material[:32], material[32:48]
}

type BlockCipher struct {
	mode Mode
	bm   cipher.BlockMode
	buf  []byte
}

// NewBlockCipher builds a streaming AES-CBC cipher from a password hash using
// the legacy key derivation.
func NewBlockCipher(hash string, mode Mode) (*BlockCipher, error) {
	key, iv, err := LegacyKey(hash)
	if err != nil {
		return nil, err
	}
	return NewBlockCipherWithKey(key, iv, mode)
}

// NewBlockCipherWithKey builds a streaming AES-CBC cipher from raw key
// material. Errors here are configuration errors and abort the operation
// that needed the cipher.
func NewBlockCipherWithKey(key []byte, iv []byte, mode Mode) (*BlockCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher unavailable: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("initialization vector must be %d bytes, got %d", block.BlockSize(), len(iv))
	}
	var bm cipher.BlockMode
	if mode == Encrypt {
		bm = cipher.NewCBCEncrypter(block, iv)
	} else {
		bm = cipher.NewCBCDecrypter(block, iv)
	}
	return &BlockCipher{mode: mode, bm: bm}, nil
}

// Update feeds a chunk through the cipher and returns the transformed bytes
// available so far. Output lags input by up to a block; any slicing of the
// input produces byte-identical concatenated output.
func (b *BlockCipher) Update(p []byte) []byte {
	b.buf = append(b.buf, p...)

	complete := len(b.buf) / BLOCK_SIZE * BLOCK_SIZE
	if b.mode == Decrypt && complete == len(b.buf) && complete > 0 {
		// the last complete block may be the final one carrying padding;
		// it is withheld until Finalize
		complete -= BLOCK_SIZE
	}
	if complete == 0 {
		return nil
	}

	out := make([]byte, complete)
	b.bm.CryptBlocks(out, b.buf[:complete])
	b.buf = append(b.buf[:0], b.buf[complete:]...)
	return out
}

// Finalize flushes the buffered remainder. In encrypt mode it appends PKCS#7
// padding and returns the final block. In decrypt mode it validates and
// strips the padding, returning a *PaddingError when validation fails.
func (b *BlockCipher) Finalize() ([]byte, error) {
	if b.mode == Encrypt {
		pad := BLOCK_SIZE - len(b.buf)%BLOCK_SIZE
		for i := 0; i < pad; i++ {
			b.buf = append(b.buf, byte(pad))
		}
		out := make([]byte, len(b.buf))
		b.bm.CryptBlocks(out, b.buf)
		b.buf = nil
		return out, nil
	}

	if len(b.buf) != BLOCK_SIZE {
		return nil, &PaddingError{fmt.Sprintf("ciphertext ends with %d trailing bytes, want a full block", len(b.buf))}
	}
	out := make([]byte, BLOCK_SIZE)
	b.bm.CryptBlocks(out, b.buf)
	b.buf = nil

	pad := int(out[BLOCK_SIZE-1])
	if pad < 1 || pad > BLOCK_SIZE {
		return nil, &PaddingError{fmt.Sprintf("invalid padding length %d", pad)}
	}
	for _, v := range out[BLOCK_SIZE-pad:] {
		if int(v) != pad {
			return nil, &PaddingError{"corrupt padding"}
		}
	}
	return out[:BLOCK_SIZE-pad], nil
}

// PaddedSize returns the exact ciphertext length for a plaintext of n bytes,
// announced to the receiver before any content is sent.
func PaddedSize(n int64) int64 {
	return (n/BLOCK_SIZE + 1) * BLOCK_SIZE
}
