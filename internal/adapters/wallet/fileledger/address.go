package fileledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/bnema/walletd/internal/domain"
)

const (
	hashLen     = 20
	checksumLen = 4
)

// deriveAddress turns the wallet seed and a key index into a base58check address.
func deriveAddress(seed []byte, index uint32, version byte) (string, error) {
	key := seed
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	h, err := blake2b.New(hashLen, key)
	if err != nil {
		return "", fmt.Errorf("derive key %d: %w", index, err)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)
	h.Write([]byte("walletd/key/"))
	h.Write(buf[:])

	return encodeCheck(version, h.Sum(nil)), nil
}

func encodeCheck(version byte, payload []byte) string {
	raw := make([]byte, 0, 1+len(payload)+checksumLen)
	raw = append(raw, version)
	raw = append(raw, payload...)
	raw = append(raw, checksum(raw)...)
	return base58.Encode(raw)
}

func checksum(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:checksumLen]
}

func validateAddress(address string, version byte) error {
	raw, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidAddress, err)
	}
	if len(raw) != 1+hashLen+checksumLen {
		return fmt.Errorf("%w: bad length", domain.ErrInvalidAddress)
	}
	if raw[0] != version {
		return fmt.Errorf("%w: unexpected version %d", domain.ErrInvalidAddress, raw[0])
	}
	body, sum := raw[:1+hashLen], raw[1+hashLen:]
	if !bytes.Equal(checksum(body), sum) {
		return fmt.Errorf("%w: checksum mismatch", domain.ErrInvalidAddress)
	}
	return nil
}
