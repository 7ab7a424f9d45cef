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

// Package expand substitutes %(NAME) placeholders in helper command
// templates from a string-keyed variable map.
//
// The affixed forms %(before="text" NAME) and %(after="text" NAME) emit
// their affix only when NAME resolves to a non-empty value. That carries
// option-style arguments: "-o" must not reach the helper when OPTIONS is
// empty.
package expand

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

type placeholder struct {
	name   string
	before string
	after  string
}

func isNameByte(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' ||
		c >= '0' && c <= '9' || c == '_'
}

// parsePlaceholder parses the text between "%(" and ")".
func parsePlaceholder(body string) (placeholder, error) {
	var ph placeholder
	rest := strings.TrimSpace(body)
	for {
		var affix *string
		switch {
		case strings.HasPrefix(rest, "before="):
			affix = &ph.before
			rest = rest[len("before="):]
		case strings.HasPrefix(rest, "after="):
			affix = &ph.after
			rest = rest[len("after="):]
		default:
			// the remainder must be the variable name
			for i := 0; i < len(rest); i++ {
				if !isNameByte(rest[i]) {
					return ph, fmt.Errorf("invalid placeholder %q", body)
				}
			}
			if rest == "" {
				return ph, fmt.Errorf("empty placeholder %q", body)
			}
			ph.name = rest

			return ph, nil
		}

		if !strings.HasPrefix(rest, "\"") {
			return ph, fmt.Errorf("affix without quoted text in %q", body)
		}
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return ph, fmt.Errorf("unterminated affix text in %q", body)
		}
		*affix = rest[1 : 1+end]
		rest = strings.TrimSpace(rest[2+end:])
	}
}

// Expand replaces each %(NAME) in tmpl with its value from vars. Unknown
// or empty names expand to nothing; their before=/after= affixes are
// suppressed as well. Malformed placeholders stay in the output verbatim
// and are reported through the returned (possibly multi-) error.
func Expand(tmpl string, vars map[string]string) (string, error) {
	var sb strings.Builder
	var errs *multierror.Error

	for {
		idx := strings.Index(tmpl, "%(")
		if idx < 0 {
			sb.WriteString(tmpl)
			break
		}
		sb.WriteString(tmpl[:idx])
		tmpl = tmpl[idx:]

		end := strings.IndexByte(tmpl, ')')
		if end < 0 {
			errs = multierror.Append(errs,
				fmt.Errorf("unterminated placeholder %q", tmpl))
			sb.WriteString(tmpl)
			break
		}

		ph, err := parsePlaceholder(tmpl[2:end])
		if err != nil {
			errs = multierror.Append(errs, err)
			sb.WriteString(tmpl[:end+1])
			tmpl = tmpl[end+1:]
			continue
		}

		if value := vars[ph.name]; value != "" {
			sb.WriteString(ph.before)
			sb.WriteString(value)
			sb.WriteString(ph.after)
		}
		tmpl = tmpl[end+1:]
	}

	return sb.String(), errs.ErrorOrNil()
}

// Argv expands every template element into a process argument vector. An
// element that contains a placeholder and expands to the empty string is
// dropped, so that e.g. a lone "%(OPTIONS)" with empty OPTIONS does not
// hand the helper an empty argument.
func Argv(templates []string, vars map[string]string) ([]string, error) {
	var errs *multierror.Error
	argv := make([]string, 0, len(templates))

	for _, tmpl := range templates {
		arg, err := Expand(tmpl, vars)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if arg == "" && strings.Contains(tmpl, "%(") {
			continue
		}
		argv = append(argv, arg)
	}

	return argv, errs.ErrorOrNil()
}
