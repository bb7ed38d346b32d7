// Package sealbox encrypts small payloads under a passphrase with argon2id and
// XChaCha20-Poly1305.
package sealbox

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	kdfName         = "argon2id"
)

var filePrefix = []byte("WALLETD-SEALED1\n")

var (
	ErrAuthFailed = errors.New("sealbox authentication failed")
	ErrInvalid    = errors.New("sealbox envelope is invalid")
	ErrNotSealed  = errors.New("sealbox payload is not sealed")
)

type KDFParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

var DefaultKDF = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

// FastKDF keeps tests quick; never use it for data at rest.
var FastKDF = KDFParams{Time: 1, MemoryKB: 8, Threads: 1}

type envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func Seal(passphrase string, plaintext []byte, params KDFParams) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("sealbox passphrase is empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	key := deriveKey(passphrase, salt, params)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	raw, err := json.Marshal(envelope{
		Version:     envelopeVersion,
		KDF:         kdfName,
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, filePrefix),
	})
	if err != nil {
		return nil, err
	}

	return append(append([]byte(nil), filePrefix...), raw...), nil
}

// Open reads the KDF parameters from the envelope itself.
func Open(passphrase string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrNotSealed
	}

	var env envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != kdfName || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}

	key := deriveKey(passphrase, env.Salt, KDFParams{Time: env.KDFTime, MemoryKB: env.KDFMemoryKB, Threads: env.KDFThreads})
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, filePrefix)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, filePrefix)
}

func deriveKey(passphrase string, salt []byte, params KDFParams) []byte {
	if params.Time == 0 {
		params = DefaultKDF
	}
	if params.Threads == 0 {
		params.Threads = 1
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKB, params.Threads, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
