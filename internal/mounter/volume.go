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

package mounter

import (
	"fmt"
	"strings"

	"github.com/pam-mount/pam-mount/internal/ehd"
)

// Kind is the volume type, which selects the mount helper and the few
// kind-specific steps around it.
type Kind int

const (
	KindLocal Kind = iota
	KindSMB
	KindCIFS
	KindNCP
	KindNFS
	KindFUSE
	KindCrypt
	KindTrueCrypt
	kindMax
)

var kindNames = map[Kind]string{
	KindLocal:     "local",
	KindSMB:       "smb",
	KindCIFS:      "cifs",
	KindNCP:       "ncp",
	KindNFS:       "nfs",
	KindFUSE:      "fuse",
	KindCrypt:     "crypt",
	KindTrueCrypt: "truecrypt",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// networked reports whether the kind addresses a remote server.
func (k Kind) networked() bool {
	switch k {
	case KindSMB, KindCIFS, KindNCP, KindNFS:
		return true
	default:
		return false
	}
}

// Option is one mount option. Options with an empty value render as a
// bare flag.
type Option struct {
	Key   string
	Value string
}

// Options preserves the order options were configured in.
type Options []Option

// Get returns the value for key and whether it is present.
func (o Options) Get(key string) (string, bool) {
	for _, opt := range o {
		if opt.Key == key {
			return opt.Value, true
		}
	}

	return "", false
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o.Get(key)

	return ok
}

// String renders the options in fstab style.
func (o Options) String() string {
	parts := make([]string, 0, len(o))
	for _, opt := range o {
		if opt.Value == "" {
			parts = append(parts, opt.Key)
			continue
		}
		parts = append(parts, opt.Key+"="+opt.Value)
	}

	return strings.Join(parts, ",")
}

// Field length caps, matching what the configuration layer enforces.
const (
	maxPar  = 127
	maxPath = 4096
)

// Volume is one volume record, as handed over by the configuration
// layer. The controller treats it read-only except for the
// CreatedMountpoint flag.
type Volume struct {
	Kind Kind

	// User is the mount user, the identity the volume belongs to.
	User string

	// Fstype is the filesystem type handed to the mount helper.
	Fstype string

	// Server is the remote host; empty for local kinds.
	Server string

	// Volume is the remote path, or the local container path.
	Volume string

	Mountpoint string

	Options Options

	// FSKeyCipher, FSKeyHash and FSKeyPath describe the enveloped
	// filesystem keyfile, when one is configured.
	FSKeyCipher string
	FSKeyHash   string
	FSKeyPath   string

	// GlobalConf is true when the record came from the global
	// configuration rather than a per-user one.
	GlobalConf bool

	// CreatedMountpoint is set by the controller when it made the
	// mountpoint directory, so teardown can remove it again.
	CreatedMountpoint bool

	Readonly bool

	// UsesSSH routes the helper through the fd0ssh pipe relay.
	UsesSSH bool
}

// Validate checks the structural invariants of the record.
func (v *Volume) Validate() error {
	if v.Kind < 0 || v.Kind >= kindMax {
		return fmt.Errorf("%w: volume kind %d out of range", ErrConfigInvalid, int(v.Kind))
	}
	if v.Kind.networked() && v.Server == "" {
		return fmt.Errorf("%w: %s volume without server", ErrConfigInvalid, v.Kind)
	}
	if v.FSKeyCipher != "" && v.FSKeyPath == "" {
		return fmt.Errorf("%w: fs key cipher without key path", ErrConfigInvalid)
	}
	for _, f := range []struct {
		name, value string
		cap         int
	}{
		{"user", v.User, maxPar},
		{"server", v.Server, maxPar},
		{"fstype", v.Fstype, maxPar},
		{"fs key cipher", v.FSKeyCipher, maxPar},
		{"volume", v.Volume, maxPath},
		{"mountpoint", v.Mountpoint, maxPath},
		{"fs key path", v.FSKeyPath, maxPath},
	} {
		if len(f.value) > f.cap {
			return fmt.Errorf("%w: %s longer than %d bytes",
				ErrConfigInvalid, f.name, f.cap)
		}
	}

	return nil
}

// CanonicalDevice is the fsname this volume shows up under in the kernel
// mount list, used for the already-mounted check.
func (v *Volume) CanonicalDevice() string {
	switch v.Kind {
	case KindSMB, KindCIFS:
		return "//" + v.Server + "/" + v.Volume
	case KindNCP:
		user, _ := v.Options.Get("user")

		return v.Server + "/" + user
	case KindNFS:
		return v.Server + ":" + v.Volume
	case KindCrypt:
		return "/dev/mapper/" + ehd.CryptoName(v.Volume)
	default:
		return v.Volume
	}
}

// caseInsensitiveFstypes are compared caselessly in the mount list; SMB
// and NetWare servers do not honor case on share names.
var caseInsensitiveFstypes = map[string]bool{
	"smbfs": true,
	"cifs":  true,
	"ncpfs": true,
}
