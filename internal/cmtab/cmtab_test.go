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

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempRegistry(t *testing.T) *Registry {
	t.Helper()

	return New(filepath.Join(t.TempDir(), "cmtab"))
}

func TestCmtabAddGetRemove(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	err := r.Add(Entry{
		Mountpoint:   "/mnt/a",
		Container:    "/srv/img.bin",
		LoopDevice:   "/dev/loop3",
		CryptoDevice: "/dev/mapper/x",
	})
	require.NoError(t, err)

	e, found, err := r.Get("/mnt/a", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/mnt/a", e.Mountpoint)
	assert.Equal(t, "/srv/img.bin", e.Container)
	assert.Equal(t, "/dev/loop3", e.LoopDevice)
	assert.Equal(t, "/dev/mapper/x", e.CryptoDevice)

	removed, err := r.Remove("/mnt/a", FieldMountpoint)
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err = r.Get("/mnt/a", FieldMountpoint)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCmtabAbsentFields(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	require.NoError(t, r.Add(Entry{Mountpoint: "/mnt/b", Container: "/dev/sdb1"}))

	e, found, err := r.Get("/mnt/b", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, e.LoopDevice)
	assert.Empty(t, e.CryptoDevice)
}

func TestCmtabLastMatchWins(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	require.NoError(t, r.Add(Entry{Mountpoint: "/mnt/o", Container: "/srv/old.bin"}))
	require.NoError(t, r.Add(Entry{Mountpoint: "/mnt/o", Container: "/srv/new.bin"}))

	e, found, err := r.Get("/mnt/o", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/srv/new.bin", e.Container)
}

func TestCmtabRemovePreservesOthers(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	entries := []Entry{
		{Mountpoint: "/mnt/1", Container: "/srv/1.bin", LoopDevice: "/dev/loop1"},
		{Mountpoint: "/mnt/2", Container: "/srv/2.bin", LoopDevice: "/dev/loop2"},
		{Mountpoint: "/mnt/3", Container: "/srv/3.bin", LoopDevice: "/dev/loop3"},
	}
	for _, e := range entries {
		require.NoError(t, r.Add(e))
	}

	removed, err := r.Remove("/mnt/2", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, removed)

	for _, mp := range []string{"/mnt/1", "/mnt/3"} {
		_, found, err := r.Get(mp, FieldMountpoint)
		require.NoError(t, err)
		assert.True(t, found, mp)
	}
	_, found, err := r.Get("/mnt/2", FieldMountpoint)
	require.NoError(t, err)
	assert.False(t, found)

	// record order must be untouched apart from the removed line
	data, err := os.ReadFile(r.path)
	require.NoError(t, err)
	assert.Equal(t,
		"/mnt/1\t/srv/1.bin\t/dev/loop1\t-\n/mnt/3\t/srv/3.bin\t/dev/loop3\t-\n",
		string(data))
}

func TestCmtabRemoveLastMatchOnly(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	require.NoError(t, r.Add(Entry{Mountpoint: "/mnt/s", Container: "/srv/lower.bin"}))
	require.NoError(t, r.Add(Entry{Mountpoint: "/mnt/s", Container: "/srv/upper.bin"}))

	removed, err := r.Remove("/mnt/s", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, removed)

	e, found, err := r.Get("/mnt/s", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/srv/lower.bin", e.Container)
}

func TestCmtabEscapedFields(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	require.NoError(t, r.Add(Entry{
		Mountpoint:   "/mnt/with space",
		Container:    "/srv/vol 1/image.bin",
		CryptoDevice: "/dev/mapper/_srv_vol_1_image_bin",
	}))

	e, found, err := r.Get("/mnt/with space", FieldMountpoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/srv/vol 1/image.bin", e.Container)

	// on disk the fields must be single-token
	data, err := os.ReadFile(r.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `/mnt/with\040space`)
}

func TestCmtabGetByOtherFields(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	require.NoError(t, r.Add(Entry{
		Mountpoint:   "/mnt/c",
		Container:    "/srv/c.bin",
		LoopDevice:   "/dev/loop9",
		CryptoDevice: "/dev/mapper/_srv_c_bin",
	}))

	e, found, err := r.Get("/srv/c.bin", FieldContainer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/mnt/c", e.Mountpoint)

	e, found, err = r.Get("/dev/mapper/_srv_c_bin", FieldCryptoDevice)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/dev/loop9", e.LoopDevice)
}

func TestCmtabRepair(t *testing.T) {
	t.Parallel()
	r := tempRegistry(t)

	require.NoError(t, r.Add(Entry{Mountpoint: "/mnt/ok", Container: "/srv/ok.bin"}))
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("/mnt/torn\t/srv/to")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cut, err := r.Repair()
	require.NoError(t, err)
	assert.True(t, cut)

	_, found, err := r.Get("/mnt/ok", FieldMountpoint)
	require.NoError(t, err)
	assert.True(t, found)

	cut, err = r.Repair()
	require.NoError(t, err)
	assert.False(t, cut)
}

func TestSmtabUnsupported(t *testing.T) {
	t.Parallel()
	s := &Smtab{path: ""}
	assert.False(t, s.Writable())
	assert.ErrorIs(t, s.Add("/dev/sda1", "/mnt", "ext4", "rw"), ErrNotSupported)
	removed, err := s.Remove("/mnt", SmtabFieldMountpoint)
	assert.NoError(t, err)
	assert.False(t, removed)
}

func TestSmtabAddRemove(t *testing.T) {
	t.Parallel()
	s := &Smtab{path: filepath.Join(t.TempDir(), "mtab")}

	require.NoError(t, s.Add("//SRV/share", "/mnt/s", "cifs", "rw,user=u"))
	data, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Equal(t, "//SRV/share /mnt/s cifs rw,user=u 0 0\n", string(data))

	removed, err := s.Remove("/mnt/s", SmtabFieldMountpoint)
	require.NoError(t, err)
	assert.True(t, removed)
	data, err = os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Empty(t, string(data))
}
