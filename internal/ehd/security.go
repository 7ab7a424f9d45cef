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
	"strings"
)

// SecurityLevel is the verdict on a cipher or digest name. Ordering is
// part of the contract: callers may compare with < and >.
type SecurityLevel int

const (
	// SecurityBlacklisted marks an absolute no-go.
	SecurityBlacklisted SecurityLevel = iota
	// SecuritySubpar marks a disrecommended choice.
	SecuritySubpar
	// SecurityUnspec means no verdict.
	SecurityUnspec
	// SecurityAdequate passes.
	SecurityAdequate
)

var securityBlacklist = map[string]bool{
	"ecb":  true,
	"rc2":  true,
	"rc4":  true,
	"des":  true,
	"des3": true,
	"md2":  true,
	"md4":  true,
}

// CipherDigestSecurity scores a compound cipher or digest name, in either
// OpenSSL or cryptsetup spelling. Any blacklisted token condemns the whole
// name.
func CipherDigestSecurity(name string) SecurityLevel {
	tokens := strings.FieldsFunc(name, func(r rune) bool {
		return strings.ContainsRune(",-.:_", r)
	})
	for _, tok := range tokens {
		if securityBlacklist[tok] {
			return SecurityBlacklisted
		}
	}

	return SecurityAdequate
}
