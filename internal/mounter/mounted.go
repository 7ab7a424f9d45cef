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
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pam-mount/pam-mount/internal/ehd"
	"github.com/pam-mount/pam-mount/internal/util/log"
)

const loopMajor = 7

// swappable in tests
var (
	loopBackingFile = ehd.LoopBackingFile
	isLoopDeviceFn  = isLoopDevice
)

// isLoopDevice reports whether path is a loop block device node.
func isLoopDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}

	return st.Mode&unix.S_IFMT == unix.S_IFBLK &&
		unix.Major(st.Rdev) == loopMajor
}

// alreadyMounted walks the kernel mount list looking for this volume.
// Loop-backed devices are resolved to their backing file first, because
// an mtab linked to /proc/mounts lists the loop device rather than the
// container. SMB-style filesystems compare caselessly.
func (m *Manager) alreadyMounted(ctx context.Context, vol *Volume) (bool, error) {
	device := vol.CanonicalDevice()

	realMntpt, err := filepath.EvalSymlinks(vol.Mountpoint)
	if err != nil {
		log.DebugLog(ctx, "can't get realpath of %s: %v", vol.Mountpoint, err)
		realMntpt = vol.Mountpoint
	}

	log.DebugLog(ctx, "checking whether %s is already mounted at %s",
		device, vol.Mountpoint)

	mounts, err := m.mounter.List()
	if err != nil {
		return false, err
	}

	for i := range mounts {
		fsname := mounts[i].Device
		if isLoopDeviceFn(fsname) {
			fsname = loopBackingFile(fsname)
		}

		equal := func(a, b string) bool { return a == b }
		if caseInsensitiveFstypes[mounts[i].Type] {
			equal = strings.EqualFold
		}

		if equal(fsname, device) &&
			(mounts[i].Path == vol.Mountpoint || mounts[i].Path == realMntpt) {
			return true, nil
		}
	}

	return false, nil
}
