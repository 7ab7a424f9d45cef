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

// Package ehd maps an encrypted container, a regular file or a block
// device, through an on-demand loop device into a dm-crypt mapping, and
// tears the stack down again in reverse order. The actual encryption is
// delegated to the external cryptsetup helper.
package ehd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

// MountRequest describes one encrypted container to set up.
type MountRequest struct {
	// Container is the path to the disk image or block device.
	Container string
	// Mountpoint is where the volume will be mounted.
	Mountpoint string
	// FSCipher and FSHash name the filesystem cipher and hash in the
	// crypto helper's spelling. FSHash defaults to "plain".
	FSCipher string
	FSHash   string
	// Key is the raw unencrypted filesystem key.
	Key []byte
	// TruncKeysize caps how many bytes of Key are delivered to the
	// helper. Zero delivers everything.
	TruncKeysize int
	// Readonly sets up loop and mapping read-only.
	Readonly bool
}

// MountInfo records the device stack Load established. It is the input
// for Unload.
type MountInfo struct {
	// Container is the path the request named.
	Container string
	// LowerDevice is the container itself if it is a block device,
	// otherwise the loop device allocated for it.
	LowerDevice string
	// LoopDevice is set when a loop device was allocated.
	LoopDevice string
	// CryptoName is the dm mapping's short name.
	CryptoName string
	// CryptoDevice is /dev/mapper/<CryptoName>.
	CryptoDevice string
}

const mapperPrefix = "/dev/mapper/"

// swappable in tests, which have no kernel loop devices to play with
var (
	loopSetup   = LoopSetup
	loopRelease = LoopRelease
)

// IsLuks probes whether path holds a LUKS header, arranging a transient
// read-only loop device when path is not yet a block device.
func IsLuks(ctx context.Context, path string, blkdev bool) (bool, error) {
	return backend.IsLuks(ctx, path, blkdev)
}

// SetBackend switches the crypto-device implementation. Meant for
// configuration time and for tests; not safe against concurrent loads.
func SetBackend(b Backend) {
	backend = b
}

// CryptoName derives the dm mapping name from the container path. The dm
// tooling only accepts alphanumerics and underscore, everything else is
// flattened to underscore.
func CryptoName(container string) string {
	name := []byte(container)
	for i, c := range name {
		alnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
		if !alnum {
			name[i] = '_'
		}
	}

	return string(name)
}

func isBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, &os.PathError{Op: "stat", Path: path, Err: err}
	}

	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}

// Load sets up the crypto device stack for one container: a loop device
// when the container is a regular file, then the dm-crypt mapping on top.
// The returned info is owned by the caller until handed to Unload.
func Load(ctx context.Context, req *MountRequest) (*MountInfo, error) {
	blkdev, err := isBlockDevice(req.Container)
	if err != nil {
		return nil, err
	}

	info := &MountInfo{Container: req.Container}
	if blkdev {
		info.LowerDevice = req.Container
	} else {
		// cryptsetup needs a block device
		log.DebugLog(ctx, "setting up loop device for file %s", req.Container)
		loopDev, err := loopSetup(req.Container, req.Readonly)
		if err != nil {
			return nil, fmt.Errorf("could not set up loop device for %s: %w",
				req.Container, err)
		}
		log.DebugLog(ctx, "using %s", loopDev)
		info.LowerDevice = loopDev
		info.LoopDevice = loopDev
	}

	info.CryptoName = CryptoName(req.Container)
	info.CryptoDevice = mapperPrefix + info.CryptoName
	log.DebugLog(ctx, "using %s as dm device name", info.CryptoName)

	if err := backend.Open(ctx, req, info); err != nil {
		if info.LoopDevice != "" {
			if rerr := loopRelease(info.LoopDevice); rerr != nil {
				log.WarningLog(ctx, "could not release %s: %v", info.LoopDevice, rerr)
			}
		}

		return nil, err
	}

	return info, nil
}

// Unload tears the stack of info down in reverse order: the dm mapping
// first, then the loop device. The backing device is re-read from the
// kernel first, so a caller that lost the loop identity still releases
// the right device.
func Unload(ctx context.Context, info *MountInfo) error {
	lowerDevice, err := backend.StatusDevice(ctx, info.CryptoName)
	if err != nil {
		log.WarningLog(ctx, "could not query status of %s: %v", info.CryptoName, err)
	}
	if lowerDevice == "" {
		lowerDevice = info.LoopDevice
	}

	if err := backend.Close(ctx, info); err != nil {
		return err
	}

	if lowerDevice == "" || lowerDevice == info.Container && info.LoopDevice == "" {
		return nil
	}
	err = loopRelease(lowerDevice)
	if err == nil || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.ENOTTY) {
		// not assigned / not a loop device: the lower layer was a bare
		// block device after all
		return nil
	}

	return err
}
