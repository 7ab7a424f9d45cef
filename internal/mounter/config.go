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
	"errors"

	mount "k8s.io/mount-utils"
)

var (
	// ErrConfigInvalid is returned when a volume record or the command
	// table does not pass validation.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrMountpointCreate is returned when the mountpoint directory
	// could not be made.
	ErrMountpointCreate = errors.New("could not create mountpoint")

	// ErrMountHelper is returned when the mount helper exits non-zero.
	ErrMountHelper = errors.New("mount helper failed")

	// ErrUnmountHelper is returned when the unmount helper exits
	// non-zero.
	ErrUnmountHelper = errors.New("unmount helper failed")
)

// Command addresses one entry of the helper command table.
type Command int

const (
	CmdSMBMount Command = iota
	CmdSMBUmount
	CmdCIFSMount
	CmdNCPMount
	CmdNCPUmount
	CmdFUSEMount
	CmdFUSEUmount
	CmdLclMount
	CmdCryptMount
	CmdCryptUmount
	CmdNFSMount
	CmdUmount
	CmdMntCheck
	CmdFsck
	CmdLosetup
	CmdUnlosetup
	CmdTrueCryptMount
	CmdTrueCryptUmount
	CmdFd0ssh
	CmdLsof
)

// mountCommand maps a volume kind to its mount helper entry.
var mountCommand = map[Kind]Command{
	KindLocal:     CmdLclMount,
	KindSMB:       CmdSMBMount,
	KindCIFS:      CmdCIFSMount,
	KindNCP:       CmdNCPMount,
	KindNFS:       CmdNFSMount,
	KindFUSE:      CmdFUSEMount,
	KindCrypt:     CmdCryptMount,
	KindTrueCrypt: CmdTrueCryptMount,
}

// umountCommand maps a volume kind to its paired unmount helper. Kinds
// not listed fall through to the generic umount.
var umountCommand = map[Kind]Command{
	KindSMB:       CmdSMBUmount,
	KindNCP:       CmdNCPUmount,
	KindFUSE:      CmdFUSEUmount,
	KindTrueCrypt: CmdTrueCryptUmount,
}

// Config carries the controller policy and the helper command table. The
// configuration layer fills it in; DefaultConfig gives the stock
// templates.
type Config struct {
	Debug bool

	// MkMountpoint allows creating missing mountpoint directories;
	// RmdirMountpoint removes them again on unmount.
	MkMountpoint    bool
	RmdirMountpoint bool

	// FsckLoop is the loop device reserved for preflight filesystem
	// checks.
	FsckLoop string

	// Commands is the helper template table, expanded through the
	// variable map before spawning.
	Commands map[Command][]string

	// CmtabPath overrides the registry location; empty selects the
	// system default.
	CmtabPath string

	// SmtabPath overrides the system mtab location; empty selects the
	// platform default.
	SmtabPath string

	// Mounter enumerates the kernel mount list. Nil selects the real
	// one; tests inject a fake.
	Mounter mount.Interface
}

// DefaultConfig returns the stock policy and helper templates.
func DefaultConfig() *Config {
	return &Config{
		MkMountpoint:    true,
		RmdirMountpoint: true,
		FsckLoop:        "/dev/loop7",
		Commands: map[Command][]string{
			CmdLclMount: {"mount", `%(before="-t" FSTYPE)`, `%(before="-o" OPTIONS)`,
				"%(VOLUME)", "%(MNTPT)"},
			CmdSMBMount: {"smbmount", "//%(SERVER)/%(VOLUME)", "%(MNTPT)",
				"-o", `username=%(USER)%(before="," OPTIONS)`},
			CmdSMBUmount: {"smbumount", "%(MNTPT)"},
			CmdCIFSMount: {"mount", "-t", "cifs", "//%(SERVER)/%(VOLUME)", "%(MNTPT)",
				"-o", `user=%(USER)%(before="," OPTIONS)`},
			CmdNCPMount: {"ncpmount", "%(SERVER)/%(USER)", "%(MNTPT)",
				"-o", `pass-fd=0%(before="," OPTIONS)`},
			CmdNCPUmount: {"ncpumount", "%(MNTPT)"},
			CmdNFSMount:  {"mount", "-t", "nfs", "%(SERVER):%(VOLUME)", "%(MNTPT)", `%(before="-o" OPTIONS)`},
			CmdFUSEMount: {"mount.fuse", "%(VOLUME)", "%(MNTPT)", `%(before="-o" OPTIONS)`},
			CmdFUSEUmount: {"fusermount", "-u", "%(MNTPT)"},
			CmdCryptMount: {"mount", `%(before="-t" FSTYPE)`, `%(before="-o" OPTIONS)`,
				"%(VOLUME)", "%(MNTPT)"},
			CmdCryptUmount:     {"umount", "%(MNTPT)"},
			CmdTrueCryptMount:  {"truecrypt", "--non-interactive", "%(VOLUME)", "%(MNTPT)"},
			CmdTrueCryptUmount: {"truecrypt", "--non-interactive", "-d", "%(VOLUME)"},
			CmdUmount:          {"umount", "%(MNTPT)"},
			CmdLsof:            {"lsof", "%(MNTPT)"},
			CmdFsck:            {"fsck", "-p", "%(FSCKTARGET)"},
			CmdLosetup: {"losetup", "-p0", `%(before="-e" CIPHER)`,
				`%(before="-k" KEYBITS)`, "%(FSCKLOOP)", "%(VOLUME)"},
			CmdUnlosetup: {"losetup", "-d", "%(FSCKLOOP)"},
			CmdFd0ssh:    {"fd0ssh"},
		},
	}
}
