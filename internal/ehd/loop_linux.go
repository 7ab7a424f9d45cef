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

package ehd

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

const loopControlPath = "/dev/loop-control"

// Another process can win the race between LOOP_CTL_GET_FREE and
// LOOP_SET_FD; on EBUSY we ask for a fresh slot this many times.
const loopSetupAttempts = 16

// LoopSetup associates path with a free loop device and returns the
// device path. Returns ErrNoLoopDevice when the kernel has no slot to
// give out.
func LoopSetup(path string, readonly bool) (string, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	backing, err := os.OpenFile(path, flags, 0) // #nosec:G304, container path from the volume record
	if err != nil {
		return "", err
	}
	defer backing.Close()

	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", err
	}
	defer ctl.Close()

	for attempt := 0; attempt < loopSetupAttempts; attempt++ {
		num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoLoopDevice, err)
		}
		device := fmt.Sprintf("/dev/loop%d", num)

		dev, err := os.OpenFile(device, flags, 0) // #nosec:G304, kernel-assigned device node
		if err != nil {
			return "", err
		}

		err = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd()))
		if errors.Is(err, unix.EBUSY) {
			// lost the race for this slot, grab another
			dev.Close()
			continue
		}
		if err != nil {
			dev.Close()

			return "", fmt.Errorf("LOOP_SET_FD on %s: %w", device, err)
		}

		info := unix.LoopInfo64{}
		copy(info.File_name[:len(info.File_name)-1], path)
		if readonly {
			info.Flags |= unix.LO_FLAGS_READ_ONLY
		}
		if err = unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
			if cerr := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); cerr != nil {
				log.WarningLogMsg("LOOP_CLR_FD on %s after failed status: %v", device, cerr)
			}
			dev.Close()

			return "", fmt.Errorf("LOOP_SET_STATUS64 on %s: %w", device, err)
		}
		dev.Close()

		return device, nil
	}

	return "", ErrNoLoopDevice
}

// LoopRelease detaches a loop device. The errno is preserved in the
// wrapped error so callers can pass ENXIO and ENOTTY.
func LoopRelease(device string) error {
	dev, err := os.OpenFile(device, os.O_RDONLY, 0) // #nosec:G304, loop device path
	if err != nil {
		return err
	}
	defer dev.Close()

	if err = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("LOOP_CLR_FD on %s: %w", device, err)
	}

	return nil
}

// LoopBackingFile resolves a loop device back to its backing file. If
// device is not a loop device the input is returned unchanged, so the
// function can be run over arbitrary mtab device fields.
func LoopBackingFile(device string) string {
	dev, err := os.OpenFile(device, os.O_RDONLY, 0) // #nosec:G304, mtab device field
	if err != nil {
		return device
	}
	defer dev.Close()

	info, err := unix.IoctlLoopGetStatus64(int(dev.Fd()))
	if err != nil {
		return device
	}

	return unix.ByteSliceToString(info.File_name[:])
}
