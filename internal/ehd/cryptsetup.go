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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

// Backend is the capability set of one crypto-device implementation.
// dm-crypt/LUKS through the external cryptsetup helper is the Linux
// backend; a cgd variant would slot in here on NetBSD.
type Backend interface {
	// IsLuks probes whether path holds a LUKS header. blkdev asserts
	// that path already is a block device; otherwise a transient
	// read-only loop device is arranged for the probe.
	IsLuks(ctx context.Context, path string, blkdev bool) (bool, error)

	// Open maps req over the lower device recorded in info, under the
	// crypto name the caller chose.
	Open(ctx context.Context, req *MountRequest, info *MountInfo) error

	// Close removes the mapping named in info.
	Close(ctx context.Context, info *MountInfo) error

	// StatusDevice reports the backing device of an open mapping, as
	// the kernel sees it.
	StatusDevice(ctx context.Context, cryptoName string) (string, error)
}

// backend is selected at configuration time; dm-crypt is the default.
var backend Backend = dmCrypt{}

type dmCrypt struct{}

func execCryptsetupCommand(ctx context.Context, stdin []byte, args ...string) (string, string, error) {
	var (
		program   = "cryptsetup"
		cmd       = exec.Command(program, args...) // #nosec:G204, helper invocation is the whole point
		stdoutBuf bytes.Buffer
		stderrBuf bytes.Buffer
	)

	log.DebugLog(ctx, "running %s %s", program, strings.Join(args, " "))

	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if err != nil {
		return stdout, stderr, fmt.Errorf("an error (%w)"+
			" occurred while running %s args: %v", err, program, args)
	}

	return stdout, stderr, nil
}

func (dmCrypt) IsLuks(ctx context.Context, path string, blkdev bool) (bool, error) {
	probe := path
	if !blkdev {
		loopDev, err := LoopSetup(path, true)
		if err != nil {
			return false, fmt.Errorf("could not set up probe loop device: %w", err)
		}
		defer func() {
			if rerr := LoopRelease(loopDev); rerr != nil {
				log.WarningLog(ctx, "could not release probe loop device %s: %v", loopDev, rerr)
			}
		}()
		probe = loopDev
	}

	_, stderr, err := execCryptsetupCommand(ctx, nil, "isLuks", probe)
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.DebugLog(ctx, "%s is not a LUKS container: %s", path, stderr)

		return false, nil
	}

	return false, err
}

func (d dmCrypt) Open(ctx context.Context, req *MountRequest, info *MountInfo) error {
	isLuks, err := d.IsLuks(ctx, info.LowerDevice, true)
	if err != nil {
		return err
	}

	args := make([]string, 0, 10)
	if req.Readonly {
		args = append(args, "--readonly")
	}
	if req.FSCipher != "" {
		args = append(args, "-c", req.FSCipher)
	}
	if isLuks {
		args = append(args, "luksOpen", info.LowerDevice, info.CryptoName)
	} else {
		hashName := req.FSHash
		if hashName == "" {
			hashName = "plain"
		}
		args = append(args, "--key-file=-", "-h", hashName,
			"create", info.CryptoName, info.LowerDevice)
	}

	key := req.Key
	if req.TruncKeysize > 0 && req.TruncKeysize < len(key) {
		key = key[:req.TruncKeysize]
	}

	_, stderr, err := execCryptsetupCommand(ctx, key, args...)
	if err != nil {
		return fmt.Errorf("%w: %v stderr: %s", ErrCryptoHelper, err, stderr)
	}

	return nil
}

func (dmCrypt) Close(ctx context.Context, info *MountInfo) error {
	_, stderr, err := execCryptsetupCommand(ctx, nil, "remove", info.CryptoName)
	if err != nil {
		return fmt.Errorf("%w: %v stderr: %s", ErrCryptoHelper, err, stderr)
	}

	return nil
}

func (dmCrypt) StatusDevice(ctx context.Context, cryptoName string) (string, error) {
	stdout, stderr, err := execCryptsetupCommand(ctx, nil, "status", cryptoName)
	if err != nil {
		return "", fmt.Errorf("%w: %v stderr: %s", ErrCryptoHelper, err, stderr)
	}

	return parseStatusDevice(stdout), nil
}

// parseStatusDevice extracts the "device:" line from cryptsetup status
// output. dm-crypt does not allow whitespace in its device paths, so the
// last field of the line is the whole path.
func parseStatusDevice(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "device:" {
			return fields[1]
		}
	}

	return ""
}
