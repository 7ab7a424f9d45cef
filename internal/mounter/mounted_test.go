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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mount "k8s.io/mount-utils"
)

func TestAlreadyMountedCaseSensitivity(t *testing.T) {
	mntpt := t.TempDir()

	tests := []struct {
		name    string
		kind    Kind
		fstype  string
		device  string
		server  string
		volume  string
		mounted bool
	}{
		{"cifs caseless", KindCIFS, "cifs", "//srv/share", "SRV", "share", true},
		{"smbfs caseless", KindSMB, "smbfs", "//SRV/SHARE", "srv", "share", true},
		{"nfs case sensitive", KindNFS, "nfs", "NFS1:/export", "nfs1", "/export", false},
		{"nfs exact", KindNFS, "nfs", "nfs1:/export", "nfs1", "/export", true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			m := testManager(t, []mount.MountPoint{
				{Device: tc.device, Path: mntpt, Type: tc.fstype},
			})
			vol := &Volume{
				Kind:       tc.kind,
				User:       currentUser(t),
				Server:     tc.server,
				Volume:     tc.volume,
				Mountpoint: mntpt,
			}
			mounted, err := m.alreadyMounted(context.TODO(), vol)
			require.NoError(t, err)
			assert.Equal(t, tc.mounted, mounted)
		})
	}
}

func TestAlreadyMountedDifferentMountpoint(t *testing.T) {
	m := testManager(t, []mount.MountPoint{
		{Device: "nfs1:/export", Path: "/somewhere/else", Type: "nfs"},
	})
	vol := &Volume{
		Kind:       KindNFS,
		User:       currentUser(t),
		Server:     "nfs1",
		Volume:     "/export",
		Mountpoint: t.TempDir(),
	}
	mounted, err := m.alreadyMounted(context.TODO(), vol)
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestAlreadyMountedResolvesLoopBacking(t *testing.T) {
	// an mtab linked to /proc/mounts lists /dev/loopN instead of the
	// container; the check must chase it back to the backing file
	prev := loopBackingFile
	t.Cleanup(func() { loopBackingFile = prev })
	loopBackingFile = func(device string) string {
		if device == "/dev/loop3" {
			return "/srv/img.bin"
		}

		return device
	}

	mntpt := t.TempDir()
	m := testManager(t, []mount.MountPoint{
		{Device: "/dev/loop3", Path: mntpt, Type: "ext4"},
	})

	// the fake device node is not a real loop device here, so stat says
	// no; force the resolution path
	prevIsLoop := isLoopDeviceFn
	t.Cleanup(func() { isLoopDeviceFn = prevIsLoop })
	isLoopDeviceFn = func(path string) bool { return path == "/dev/loop3" }

	vol := &Volume{
		Kind:       KindLocal,
		User:       currentUser(t),
		Volume:     "/srv/img.bin",
		Mountpoint: mntpt,
	}
	mounted, err := m.alreadyMounted(context.TODO(), vol)
	require.NoError(t, err)
	assert.True(t, mounted)
}

func TestFstypeNodev(t *testing.T) {
	// exercised against the real kernel table; tmpfs is nodev
	// everywhere and ext4 never is
	if nodev, err := fstypeNodev("tmpfs"); err == nil {
		assert.True(t, nodev)
	}
	nodev, err := fstypeNodev("")
	require.NoError(t, err)
	assert.False(t, nodev)
}
