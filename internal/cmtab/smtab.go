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

package cmtab

// SmtabField selects which smtab field a removal matches on.
type SmtabField int

const (
	SmtabFieldDevice SmtabField = iota
	SmtabFieldMountpoint
)

// Smtab is a handle on the system mount table, on platforms where it is a
// writable plain file. Elsewhere it is inert.
type Smtab struct {
	path string
}

// NewSmtab returns the platform's system mtab handle.
func NewSmtab() *Smtab {
	return &Smtab{path: smtabPath}
}

// NewSmtabAt returns a handle on an mtab file at an explicit path, for
// chrooted setups and tests. An empty path yields an inert handle.
func NewSmtabAt(path string) *Smtab {
	return &Smtab{path: path}
}

// Writable reports whether the platform has a writable system mtab.
func (s *Smtab) Writable() bool {
	return s.path != ""
}

// Add appends a standard mtab record. Returns ErrNotSupported on platforms
// without a writable system mtab.
func (s *Smtab) Add(device, mountpoint, fstype, options string) error {
	if s.path == "" {
		return ErrNotSupported
	}

	line := Escape(device) + " " + Escape(mountpoint) + " " +
		Escape(fstype) + " " + Escape(options) + " 0 0\n"

	return mtabAdd(s.path, line)
}

// Remove deletes the last matching record. A read-only system mtab is not
// an error here, there is simply nothing to remove.
func (s *Smtab) Remove(spec string, field SmtabField) (bool, error) {
	if s.path == "" {
		return false, nil
	}

	return mtabRemove(s.path, spec, int(field))
}
