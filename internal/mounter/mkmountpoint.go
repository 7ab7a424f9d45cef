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
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

// The mount will shadow the directory, so a restricted mode suffices.
// The extra execute bits work around CIFS over root-squashed NFS.
const mountpointMode = 0o711

// swappable in tests, which do not run with CAP_SETUID
var (
	seteuid = syscall.Seteuid
	chown   = os.Chown
)

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// mkMountpointReal creates dir and any missing parents with the mount
// user as owner, and flags the volume so teardown can remove the
// directory again.
func mkMountpointReal(vol *Volume, dir string, uid, gid int) error {
	parent := filepath.Dir(dir)
	if parent != dir && !exists(parent) {
		if err := mkMountpointReal(vol, parent, uid, gid); err != nil {
			return err
		}
	}
	if err := os.Mkdir(dir, mountpointMode); err != nil {
		return err
	}
	if err := chown(dir, uid, gid); err != nil {
		return fmt.Errorf("could not chown %s: %w", dir, err)
	}
	vol.CreatedMountpoint = true

	return nil
}

// mkMountpoint creates the mountpoint directory. It first switches the
// effective identity to the mount user and tries there, which is what
// makes home-relative mountpoints on root-squashed NFS work; if that
// fails it retries as root and chowns the result. The effective identity
// is root again on every return.
func mkMountpoint(ctx context.Context, vol *Volume, dir string) error {
	pw, err := user.Lookup(vol.User)
	if err != nil {
		return fmt.Errorf("%w: lookup of user %s: %v", ErrMountpointCreate, vol.User, err)
	}
	uid, err := strconv.Atoi(pw.Uid)
	if err != nil {
		return fmt.Errorf("%w: bad uid %q", ErrMountpointCreate, pw.Uid)
	}
	gid, err := strconv.Atoi(pw.Gid)
	if err != nil {
		return fmt.Errorf("%w: bad gid %q", ErrMountpointCreate, pw.Gid)
	}

	log.DebugLog(ctx, "creating mount point %s", dir)

	if seteuid(uid) == nil {
		err = mkMountpointReal(vol, dir, uid, gid)
		if rerr := seteuid(0); rerr != nil {
			log.ErrorLog(ctx, "could not revert to root: %v", rerr)
		}
		if err == nil {
			return nil
		}
		log.DebugLog(ctx, "mkdir as %s failed (%v), retrying as root", vol.User, err)
	}

	if err = mkMountpointReal(vol, dir, uid, gid); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMountpointCreate, dir, err)
	}

	return nil
}
