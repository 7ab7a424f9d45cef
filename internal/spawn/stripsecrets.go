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

package spawn

import (
	"strings"
)

const (
	passwordArg         = "password="
	passwdArg           = "passwd="
	keyFileArg          = "--key-file="
	optionsArgSeparator = ','
	strippedPassword    = "password=***stripped***"
	strippedPasswd      = "passwd=***stripped***"
	strippedKeyFile     = "--key-file=***stripped***"
)

// StripSecretInArgs strips password values out of an argument vector
// before it hits the debug log. Keys normally travel over stdin, but
// custom helper templates may splice a password into the options string.
// `args` is left unchanged.
func StripSecretInArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)

	if !stripKeyFile(out) {
		stripPassword(out)
	}

	return out
}

func stripKeyFile(out []string) bool {
	for i := range out {
		if strings.HasPrefix(out[i], keyFileArg) && out[i] != keyFileArg+"-" {
			out[i] = strippedKeyFile

			return true
		}
	}

	return false
}

func stripPassword(out []string) bool {
	for i := range out {
		arg := out[i]
		secretArg, stripped := passwordArg, strippedPassword
		begin := strings.Index(arg, secretArg)
		if begin == -1 {
			secretArg, stripped = passwdArg, strippedPasswd
			begin = strings.Index(arg, secretArg)
		}
		if begin == -1 {
			continue
		}

		end := strings.IndexByte(arg[begin+len(secretArg):], optionsArgSeparator)

		out[i] = arg[:begin] + stripped
		if end != -1 {
			out[i] += arg[begin+len(secretArg)+end:]
		}

		return true
	}

	return false
}
