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
	"errors"
)

var (
	// ErrNotSupported is returned on platforms without loop device
	// support.
	ErrNotSupported = errors.New("loop devices are not supported on this platform")

	// ErrNoLoopDevice is returned when the kernel has no free loop slot.
	ErrNoLoopDevice = errors.New("no free loop device")

	// ErrUnknownDigest is returned when a keyfile digest name does not
	// resolve.
	ErrUnknownDigest = errors.New("unknown digest")

	// ErrUnknownCipher is returned when a keyfile cipher name does not
	// resolve.
	ErrUnknownCipher = errors.New("unknown cipher")

	// ErrKeyIO is returned when a keyfile cannot be read or does not
	// carry a valid envelope.
	ErrKeyIO = errors.New("could not read keyfile")

	// ErrKeyDecrypt is returned when the keyfile payload does not
	// decrypt under the derived key.
	ErrKeyDecrypt = errors.New("could not decrypt keyfile")

	// ErrCryptoHelper is returned when the external crypto helper exits
	// with a non-zero status.
	ErrCryptoHelper = errors.New("crypto helper failed")
)
