/*
Copyright 2024 The pam-mount Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ehd

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // #nosec:G502, legacy keyfiles may be des-enveloped
	"crypto/md5" // #nosec:G501, OpenSSL EVP_BytesToKey compatibility
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"os"

	"golang.org/x/crypto/blowfish" // #nosec:G503, legacy keyfile cipher
	"golang.org/x/crypto/cast5"
)

// OpenSSL "openssl enc -salt" envelope: the magic, then eight bytes of
// salt, then the ciphertext.
const (
	keyfileMagic   = "Salted__"
	keyfileSaltLen = 8
)

// Largest keyfile payload accepted. Bounds what was a fixed-size buffer
// in older implementations; anything bigger is not a filesystem key.
const maxKeyfilePayload = 127 + 32

type keyCipher struct {
	keyLen   int
	blockLen int
	newBlock func(key []byte) (cipher.Block, error)
}

var keyCiphers = map[string]keyCipher{
	"aes-128-cbc": {16, aes.BlockSize, aes.NewCipher},
	"aes-192-cbc": {24, aes.BlockSize, aes.NewCipher},
	"aes-256-cbc": {32, aes.BlockSize, aes.NewCipher},
	"bf-cbc": {16, blowfish.BlockSize, func(key []byte) (cipher.Block, error) {
		return blowfish.NewCipher(key)
	}},
	"cast5-cbc": {16, cast5.BlockSize, func(key []byte) (cipher.Block, error) {
		return cast5.NewCipher(key)
	}},
	"des-cbc":      {8, des.BlockSize, des.NewCipher},
	"des-ede3-cbc": {24, des.BlockSize, des.NewTripleDESCipher},
}

var keyDigests = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// evpBytesToKey derives key and IV the way the legacy OpenSSL
// EVP_BytesToKey does with an iteration count of one:
// D_1 = H(pass||salt), D_n = H(D_{n-1}||pass||salt), concatenated until
// keyLen+ivLen bytes are available.
func evpBytesToKey(newHash func() hash.Hash, password, salt []byte,
	keyLen, ivLen int,
) (key, iv []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := newHash()
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}

	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

// stripPadding validates and removes PKCS#7 padding.
func stripPadding(buf []byte, blockLen int) ([]byte, error) {
	if len(buf) == 0 {
		return nil, ErrKeyDecrypt
	}
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > blockLen || pad > len(buf) {
		return nil, ErrKeyDecrypt
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, ErrKeyDecrypt
		}
	}

	return buf[:len(buf)-pad], nil
}

// DecryptKeyfile loads a salted enveloped keyfile and returns the
// plaintext filesystem key. The passphrase may be empty, that is a legal
// input to the key derivation. The caller must wipe the returned buffer
// once the key has been delivered.
func DecryptKeyfile(path, digestName, cipherName string, password []byte) ([]byte, error) {
	newHash, ok := keyDigests[digestName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDigest, digestName)
	}
	kc, ok := keyCiphers[cipherName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCipher, cipherName)
	}

	data, err := os.ReadFile(path) // #nosec:G304, path comes from the volume record
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyIO, path, err)
	}
	if len(data) < len(keyfileMagic)+keyfileSaltLen {
		return nil, fmt.Errorf("%w: %s: truncated envelope", ErrKeyIO, path)
	}
	if string(data[:len(keyfileMagic)]) != keyfileMagic {
		return nil, fmt.Errorf("%w: %s: missing %q header", ErrKeyIO, path, keyfileMagic)
	}
	salt := data[len(keyfileMagic) : len(keyfileMagic)+keyfileSaltLen]
	payload := data[len(keyfileMagic)+keyfileSaltLen:]
	if len(payload) > maxKeyfilePayload {
		return nil, fmt.Errorf("%w: %s: payload exceeds %d bytes",
			ErrKeyIO, path, maxKeyfilePayload)
	}
	if len(payload) == 0 || len(payload)%kc.blockLen != 0 {
		return nil, fmt.Errorf("%w: %s: payload not a cipher block multiple",
			ErrKeyDecrypt, path)
	}

	key, iv := evpBytesToKey(newHash, password, salt, kc.keyLen, kc.blockLen)
	block, err := kc.newBlock(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecrypt, err)
	}

	plain := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, payload)

	return stripPadding(plain, kc.blockLen)
}

// Wipe zeroes key material in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
