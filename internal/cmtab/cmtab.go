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

// Package cmtab persists the association between a mountpoint, its
// container, and the loop and dm-crypt devices layered between them.
//
// Retrieving that stack back from the kernel interfaces of each layer is
// painful, and on several platforms the system mtab is a read-only view of
// /proc/mounts, so an app-owned table is kept instead. One record is
// appended per successful encrypted mount; teardown looks the record up and
// removes it again. Records for the same mountpoint may stack (overmounts);
// the most recent entry is the one at the bottom of the file.
package cmtab

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

// DefaultPath is where the crypto mtab normally lives.
const DefaultPath = "/etc/cmtab"

// Field selects which record field a lookup or removal matches on.
type Field int

const (
	FieldMountpoint Field = iota
	FieldContainer
	FieldLoopDevice
	FieldCryptoDevice
)

// absent is stored in place of the loop or crypto device when the layer
// was not used.
const absent = "-"

// Entry is one cmtab record. LoopDevice and CryptoDevice are empty when
// the corresponding layer is absent.
type Entry struct {
	Mountpoint   string
	Container    string
	LoopDevice   string
	CryptoDevice string
}

// Registry is a handle on one cmtab file. All operations serialize through
// an advisory byte-range lock on the file itself, so independent processes
// may share it.
type Registry struct {
	path string
}

// New returns a Registry over the given cmtab path. An empty path selects
// DefaultPath.
func New(path string) *Registry {
	if path == "" {
		path = DefaultPath
	}

	return &Registry{path: path}
}

// Add appends one record. Container is mandatory.
func (r *Registry) Add(e Entry) error {
	if e.Container == "" {
		return errors.New("cmtab record without container")
	}
	loopDev, cryptoDev := e.LoopDevice, e.CryptoDevice
	if loopDev == "" {
		loopDev = absent
	}
	if cryptoDev == "" {
		cryptoDev = absent
	}

	line := Escape(e.Mountpoint) + "\t" + Escape(e.Container) + "\t" +
		Escape(loopDev) + "\t" + Escape(cryptoDev) + "\n"

	return mtabAdd(r.path, line)
}

// Get scans for records whose field matches spec and returns the last
// match, so that for stacked overmounts the most recent association wins.
// The boolean reports whether any record matched.
func (r *Registry) Get(spec string, field Field) (Entry, bool, error) {
	var out Entry

	f, err := os.Open(r.path)
	if err != nil {
		return out, false, err
	}
	defer f.Close()

	if err = lockFile(f, unix.F_RDLCK); err != nil {
		return out, false, err
	}

	found := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := parseFields(sc.Text())
		if fields[field] != spec {
			continue
		}
		out = Entry{
			Mountpoint: fields[FieldMountpoint],
			Container:  fields[FieldContainer],
		}
		if fields[FieldLoopDevice] != absent {
			out.LoopDevice = fields[FieldLoopDevice]
		}
		if fields[FieldCryptoDevice] != absent {
			out.CryptoDevice = fields[FieldCryptoDevice]
		}
		found = true
		// most recent entry is at the bottom, keep scanning
	}
	if err := sc.Err(); err != nil {
		return Entry{}, false, err
	}

	return out, found, nil
}

// Remove deletes the last record whose field matches spec and compacts the
// file. Reports whether a record was removed.
func (r *Registry) Remove(spec string, field Field) (bool, error) {
	return mtabRemove(r.path, spec, int(field))
}

// Repair truncates a trailing partial record, as can be left behind by a
// removal interrupted mid-compaction. Best effort; reports whether
// anything was cut.
func (r *Registry) Repair() (bool, error) {
	f, err := os.OpenFile(r.path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}
	defer f.Close()

	if err = lockFile(f, unix.F_WRLCK); err != nil {
		return false, err
	}

	// read through the locked descriptor, see mtabRemove
	data, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return false, nil
	}

	end := strings.LastIndexByte(string(data), '\n') + 1
	log.WarningLogMsg("truncating incomplete trailing record in %s", r.path)
	if err = unix.Ftruncate(int(f.Fd()), int64(end)); err != nil {
		return false, err
	}

	return true, nil
}
