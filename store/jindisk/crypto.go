/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jindisk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	// blockPayloadSize is how many plaintext bytes a single encrypted 4KiB
	// physical block can carry once its trailing nonce and GCM tag are
	// accounted for. Every on-disk structure that encrypts a whole block at
	// once (BIT nodes, checkpoint sub-region blocks, the superblock) packs
	// its payload into this many bytes, not BlockSize.
	blockPayloadSize = BlockSize - nonceSize - tagSize
)

// Key is a 256-bit AES-GCM key, either the root key or one derived from it.
type Key [keySize]byte

// CipherMeta is the per-block authenticated-encryption metadata a Record
// carries alongside its (lba, hba) pair: the nonce used at encryption time
// and the GCM tag produced by it. The ciphertext itself lives in the block
// on disk; only the metadata needed to decrypt it travels in the index.
type CipherMeta struct {
	Nonce [nonceSize]byte
	Tag   [tagSize]byte
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("jindisk: aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("jindisk: cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// encryptBlock seals plaintext (a BlockSize data block, or the
// blockPayloadSize payload sealWholeBlock passes) under key, binding
// the ciphertext to aad (typically the destination HBA) so a block moved to
// a different slot fails to decrypt. Returns ciphertext (same length as
// plaintext) and the metadata needed to reverse it.
func encryptBlock(key Key, plaintext []byte, aad []byte) ([]byte, CipherMeta, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, CipherMeta{}, err
	}
	var meta CipherMeta
	if _, err := rand.Read(meta.Nonce[:]); err != nil {
		return nil, CipherMeta{}, fmt.Errorf("jindisk: rand.Read nonce: %w", err)
	}
	sealed := gcm.Seal(nil, meta.Nonce[:], plaintext, aad)
	ciphertext := sealed[:len(sealed)-tagSize]
	copy(meta.Tag[:], sealed[len(sealed)-tagSize:])
	return ciphertext, meta, nil
}

// decryptBlock reverses encryptBlock. A MAC mismatch (corrupted ciphertext,
// wrong key, or ciphertext relocated without the index being updated) comes
// back as a non-nil error; callers treat this as a fatal I/O error per the
// design notes on host cooperation.
func decryptBlock(key Key, ciphertext []byte, meta CipherMeta, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, meta.Tag[:]...)
	plaintext, err := gcm.Open(nil, meta.Nonce[:], sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("jindisk: decrypt: %w", err)
	}
	return plaintext, nil
}

// sealWholeBlock encrypts a payload of exactly blockPayloadSize bytes
// (zero-padded by the caller as needed) into a self-contained BlockSize
// physical block laid out as ciphertext || nonce || tag, with aad bound
// to the destination HBA so a relocated block fails to decrypt.
func sealWholeBlock(key Key, payload []byte, aad []byte) ([]byte, error) {
	if len(payload) != blockPayloadSize {
		return nil, fmt.Errorf("jindisk: block payload must be %d bytes, got %d", blockPayloadSize, len(payload))
	}
	ciphertext, meta, err := encryptBlock(key, payload, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	copy(out, ciphertext)
	copy(out[blockPayloadSize:], meta.Nonce[:])
	copy(out[blockPayloadSize+nonceSize:], meta.Tag[:])
	return out, nil
}

// openWholeBlock reverses sealWholeBlock.
func openWholeBlock(key Key, block []byte, aad []byte) ([]byte, error) {
	if len(block) != BlockSize {
		return nil, fmt.Errorf("jindisk: block must be %d bytes, got %d", BlockSize, len(block))
	}
	ciphertext := block[:blockPayloadSize]
	var meta CipherMeta
	copy(meta.Nonce[:], block[blockPayloadSize:blockPayloadSize+nonceSize])
	copy(meta.Tag[:], block[blockPayloadSize+nonceSize:])
	return decryptBlock(key, ciphertext, meta, aad)
}

// deriveKey is an HMAC-SHA256-based KDF: no AEAD-adjacent library in the
// pack or ecosystem corpus offers a ready derivation primitive for a single
// 32-byte subkey, and HMAC-based derivation is the standard construction
// for exactly this (RFC 5869's "extract" step, without the "expand" step
// since one subkey is all any caller here ever needs).
func deriveKey(root Key, label string, id uint64) Key {
	mac := hmac.New(sha256.New, root[:])
	mac.Write([]byte(label))
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	mac.Write(idBuf[:])
	var out Key
	copy(out[:], mac.Sum(nil))
	return out
}
