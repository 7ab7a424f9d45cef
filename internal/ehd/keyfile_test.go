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
	"crypto/cipher"
	"crypto/md5" // #nosec:G501, matching the envelope under test
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeKeyfile envelopes plaintext the way "openssl enc -salt" does, so
// DecryptKeyfile is exercised against the real on-disk format.
func writeKeyfile(t *testing.T, cipherName, digestName string,
	password, salt, plaintext []byte,
) string {
	t.Helper()

	kc := keyCiphers[cipherName]
	require.NotZero(t, kc.keyLen, "test cipher %s not registered", cipherName)

	key, iv := evpBytesToKey(keyDigests[digestName], password, salt,
		kc.keyLen, kc.blockLen)
	block, err := kc.newBlock(key)
	require.NoError(t, err)

	pad := kc.blockLen - len(plaintext)%kc.blockLen
	padded := make([]byte, 0, len(plaintext)+pad)
	padded = append(padded, plaintext...)
	for i := 0; i < pad; i++ {
		padded = append(padded, byte(pad))
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	path := filepath.Join(t.TempDir(), "fskey")
	data := append([]byte(keyfileMagic), salt...)
	data = append(data, ciphertext...)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestEvpBytesToKey(t *testing.T) {
	t.Parallel()
	salt := []byte("01234567")

	// MD5 digest size is 16: a 32-byte key plus 16-byte IV needs three
	// hash rounds, the chaining matters.
	key, iv := evpBytesToKey(md5.New, []byte("secret"), salt, 32, 16)
	assert.Len(t, key, 32)
	assert.Len(t, iv, 16)

	h := md5.New()
	h.Write([]byte("secret"))
	h.Write(salt)
	d1 := h.Sum(nil)
	assert.Equal(t, d1, key[:16])

	h = md5.New()
	h.Write(d1)
	h.Write([]byte("secret"))
	h.Write(salt)
	d2 := h.Sum(nil)
	assert.Equal(t, d2, key[16:])

	// SHA-1 yields 20 bytes per round, the split is mid-digest.
	key, iv = evpBytesToKey(sha1.New, []byte("x"), salt, 24, 8)
	assert.Len(t, key, 24)
	assert.Len(t, iv, 8)
}

func TestDecryptKeyfileRoundTrip(t *testing.T) {
	t.Parallel()
	fsKey := []byte("0123456789abcdef0123456789abcdef")
	salt := []byte("saltsalt")

	tests := []struct {
		cipherName, digestName string
	}{
		{"aes-256-cbc", "md5"},
		{"aes-128-cbc", "sha1"},
		{"aes-256-cbc", "sha512"},
		{"bf-cbc", "md5"},
		{"cast5-cbc", "sha256"},
		{"des-ede3-cbc", "sha1"},
	}
	for _, tc := range tests {
		path := writeKeyfile(t, tc.cipherName, tc.digestName,
			[]byte("login password"), salt, fsKey)

		got, err := DecryptKeyfile(path, tc.digestName, tc.cipherName,
			[]byte("login password"))
		require.NoError(t, err, "%s/%s", tc.cipherName, tc.digestName)
		assert.Equal(t, fsKey, got)
	}
}

func TestDecryptKeyfileEmptyPassphrase(t *testing.T) {
	t.Parallel()
	fsKey := []byte("short key")
	path := writeKeyfile(t, "aes-256-cbc", "md5", nil, []byte("12345678"), fsKey)

	got, err := DecryptKeyfile(path, "md5", "aes-256-cbc", nil)
	require.NoError(t, err)
	assert.Equal(t, fsKey, got)
}

func TestDecryptKeyfileWrongPassphrase(t *testing.T) {
	t.Parallel()
	path := writeKeyfile(t, "aes-256-cbc", "md5", []byte("right"),
		[]byte("12345678"), []byte("0123456789abcdef0123456789abcdef"))

	_, err := DecryptKeyfile(path, "md5", "aes-256-cbc", []byte("wrong"))
	assert.ErrorIs(t, err, ErrKeyDecrypt)
}

func TestDecryptKeyfileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("Salted__1234"), 0o600))

	nomagic := filepath.Join(dir, "nomagic")
	require.NoError(t, os.WriteFile(nomagic,
		[]byte("NotSalty12345678abcdefghabcdefgh"), 0o600))

	huge := filepath.Join(dir, "huge")
	require.NoError(t, os.WriteFile(huge,
		append([]byte("Salted__12345678"), make([]byte, 512)...), 0o600))

	ok := writeKeyfile(t, "aes-256-cbc", "md5", []byte("p"),
		[]byte("12345678"), []byte("k"))

	tests := []struct {
		name               string
		path               string
		digest, cipherName string
		want               error
	}{
		{"unknown digest", ok, "whirlpool", "aes-256-cbc", ErrUnknownDigest},
		{"unknown cipher", ok, "md5", "rot13", ErrUnknownCipher},
		{"missing file", filepath.Join(dir, "absent"), "md5", "aes-256-cbc", ErrKeyIO},
		{"short envelope", short, "md5", "aes-256-cbc", ErrKeyIO},
		{"bad magic", nomagic, "md5", "aes-256-cbc", ErrKeyIO},
		{"oversized payload", huge, "md5", "aes-256-cbc", ErrKeyIO},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecryptKeyfile(tc.path, tc.digest, tc.cipherName, []byte("p"))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestWipe(t *testing.T) {
	t.Parallel()
	b := []byte("sensitive")
	Wipe(b)
	assert.Equal(t, make([]byte, len("sensitive")), b)
}
