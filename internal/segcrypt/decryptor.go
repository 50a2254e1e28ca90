package segcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/hlsget/hlsget/internal/domain"
)

// Decrypt applies AES-128-CBC to one segment and strips the PKCS#7 padding.
// Stateless per call; a failure here is surfaced to the orchestrator, which
// may re-fetch the segment once before giving up.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: key must be 16 bytes, got %d", domain.ErrDecryption, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", domain.ErrDecryption, aes.BlockSize, len(iv))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a block multiple", domain.ErrDecryption, len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	return stripPadding(plaintext)
}

// stripPadding removes PKCS#7 padding. HLS AES-128 segments are always
// padded to a full block, so the final byte tells us how much to drop.
func stripPadding(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding byte %d", domain.ErrDecryption, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", domain.ErrDecryption)
		}
	}
	return data[:len(data)-n], nil
}
