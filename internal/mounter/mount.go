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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pam-mount/pam-mount/internal/cmtab"
	"github.com/pam-mount/pam-mount/internal/ehd"
	"github.com/pam-mount/pam-mount/internal/expand"
	"github.com/pam-mount/pam-mount/internal/spawn"
	"github.com/pam-mount/pam-mount/internal/util/log"
)

// swappable in tests
var (
	ehdLoad    = ehd.Load
	ehdUnload  = ehd.Unload
	spawnStart = spawn.Start
)

// Mount brings one volume up. An already-mounted volume is success. The
// password may be empty; for keyfile-protected volumes it unlocks the
// keyfile, otherwise it is the filesystem key itself.
func (m *Manager) Mount(ctx context.Context, vol *Volume, password []byte) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if m.cfg.Debug {
		logVolume(ctx, vol)
	}

	mounted, err := m.alreadyMounted(ctx, vol)
	if err != nil {
		return fmt.Errorf("could not determine if %s is already mounted: %w",
			vol.Volume, err)
	}
	if mounted {
		log.UsefulLog(ctx, "%s already seems to be mounted at %s, skipping",
			vol.Volume, vol.Mountpoint)

		return nil
	}

	if !exists(vol.Mountpoint) {
		if !m.cfg.MkMountpoint {
			return fmt.Errorf("%w: mount point %s does not exist and "+
				"policy forbids creating it", ErrMountpointCreate, vol.Mountpoint)
		}
		if err = mkMountpoint(ctx, vol, vol.Mountpoint); err != nil {
			return err
		}
	}

	fsKey, err := m.fsKey(ctx, vol, password)
	if err != nil {
		return err
	}
	defer ehd.Wipe(fsKey)

	vars := buildVars(ctx, m.cfg, vol)

	if vol.Kind == KindCrypt {
		return m.mountCrypt(ctx, vol, fsKey, vars)
	}

	return m.mountHelper(ctx, vol, fsKey, vars)
}

// fsKey produces the binary filesystem key: the decrypted keyfile when a
// key cipher is configured, the authentication password otherwise.
func (m *Manager) fsKey(ctx context.Context, vol *Volume, password []byte) ([]byte, error) {
	if vol.FSKeyCipher == "" {
		if len(password) > maxPar {
			password = password[:maxPar]
		}
		key := make([]byte, len(password))
		copy(key, password)

		return key, nil
	}

	log.DebugLog(ctx, "decrypting FS key using system auth. token and %s",
		vol.FSKeyCipher)
	if verdict := ehd.CipherDigestSecurity(vol.FSKeyCipher); verdict < ehd.SecurityAdequate {
		log.WarningLog(ctx, "fs key cipher %s is considered insecure", vol.FSKeyCipher)
	}
	digest := vol.FSKeyHash
	if digest == "" {
		digest = "md5"
	}

	return ehd.DecryptKeyfile(vol.FSKeyPath, digest, vol.FSKeyCipher, password)
}

// mountHelper expands the kind's command template and runs it, feeding
// the filesystem key on stdin.
func (m *Manager) mountHelper(ctx context.Context, vol *Volume, fsKey []byte,
	vars map[string]string,
) error {
	templates := m.cfg.Commands[mountCommand[vol.Kind]]
	if len(templates) == 0 {
		return fmt.Errorf("%w: no mount command configured for kind %s",
			ErrConfigInvalid, vol.Kind)
	}
	if vol.UsesSSH {
		templates = append(append([]string{}, m.cfg.Commands[CmdFd0ssh]...), templates...)
	}

	argv, err := expand.Argv(templates, vars)
	if err != nil {
		log.ErrorLog(ctx, "template expansion: %v", err)
	}

	if vol.Kind == KindLocal {
		if err := m.checkFilesystem(ctx, vol, fsKey, vars); err != nil {
			log.ErrorLog(ctx, "error checking filesystem but will continue: %v", err)
		}
	}

	opts := spawn.Options{WantStdin: true, WantStderr: true}
	if vol.Kind == KindSMB || vol.Kind == KindCIFS {
		// smbmount and mount.cifs read the password from fd 0
		opts.Env = append(opts.Env, "PASSWD_FD=0")
	}
	if vol.Fstype == "fuse" || vol.Kind == KindFUSE {
		opts.User = vol.User
	}

	proc, err := spawnStart(ctx, argv, opts)
	if err != nil {
		return err
	}

	if vol.Kind != KindNFS {
		if werr := spawn.PipeWrite(proc.Stdin, fsKey); werr != nil {
			log.ErrorLog(ctx, "error sending password to mount: %v", werr)
		}
	}
	proc.Stdin.Close()

	spawn.LogOutput(proc.Stderr, "mount errors:")
	status, err := proc.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMountHelper, err)
	}
	if status != 0 {
		return fmt.Errorf("%w: exit status %d", ErrMountHelper, status)
	}

	return nil
}

// mountCrypt sets up the loop and dm-crypt layers for an encrypted
// container, mounts the crypto device, and records the association so
// unmount can unwind the stack.
func (m *Manager) mountCrypt(ctx context.Context, vol *Volume, fsKey []byte,
	vars map[string]string,
) error {
	req := &ehd.MountRequest{
		Container:  vol.Volume,
		Mountpoint: vol.Mountpoint,
		Key:        fsKey,
		Readonly:   vol.Readonly,
	}
	req.FSCipher, _ = vol.Options.Get("cipher")
	req.FSHash, _ = vol.Options.Get("hash")

	info, err := ehdLoad(ctx, req)
	if err != nil {
		return err
	}

	// the filesystem lives on the crypto device now
	vars["VOLUME"] = info.CryptoDevice

	if fsckTemplates := m.cfg.Commands[CmdFsck]; len(fsckTemplates) > 0 {
		fsckVars := copyVars(vars)
		fsckVars["FSCKTARGET"] = info.CryptoDevice
		if err := m.runFsck(ctx, fsckVars); err != nil {
			log.ErrorLog(ctx, "error checking filesystem but will continue: %v", err)
		}
	}

	if err = m.mountHelperCrypt(ctx, vol, vars); err != nil {
		if uerr := ehdUnload(ctx, info); uerr != nil {
			log.ErrorLog(ctx, "rollback of %s: %v", info.CryptoDevice, uerr)
		}

		return err
	}

	// Failing to record the association is logged but leaves the mount
	// alone: a live mount the registry does not know about beats
	// churning the user's data.
	if err = m.registry.Add(cmtab.Entry{
		Mountpoint:   vol.Mountpoint,
		Container:    vol.Volume,
		LoopDevice:   info.LoopDevice,
		CryptoDevice: info.CryptoDevice,
	}); err != nil {
		log.ErrorLog(ctx, "could not record mount in cmtab: %v", err)
	}
	if err = m.smtab.Add(vol.Volume, vol.Mountpoint, vol.Fstype,
		vol.Options.String()); err != nil && !isSmtabUnsupported(err) {
		log.WarningLog(ctx, "could not update system mtab: %v", err)
	}

	return nil
}

// mountHelperCrypt runs the filesystem mount over the crypto device.
func (m *Manager) mountHelperCrypt(ctx context.Context, vol *Volume,
	vars map[string]string,
) error {
	argv, err := expand.Argv(m.cfg.Commands[CmdCryptMount], vars)
	if err != nil {
		log.ErrorLog(ctx, "template expansion: %v", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: no crypt mount command configured", ErrConfigInvalid)
	}

	proc, err := spawnStart(ctx, argv, spawn.Options{WantStderr: true})
	if err != nil {
		return err
	}
	spawn.LogOutput(proc.Stderr, "mount errors:")
	status, err := proc.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMountHelper, err)
	}
	if status != 0 {
		return fmt.Errorf("%w: exit status %d", ErrMountHelper, status)
	}

	return nil
}

// checkFilesystem preflights a local volume with fsck. Loop-option
// volumes are attached to the reserved fsck loop device first, with the
// key fed to losetup.
func (m *Manager) checkFilesystem(ctx context.Context, vol *Volume, fsKey []byte,
	vars map[string]string,
) error {
	if len(m.cfg.Commands[CmdFsck]) == 0 {
		return fmt.Errorf("%w: fsck not configured", ErrConfigInvalid)
	}

	if vol.Options.Has("bind") || vol.Options.Has("move") {
		return nil
	}
	if nodev, err := fstypeNodev(vol.Fstype); err == nil && nodev {
		return nil
	}

	vars = copyVars(vars)
	vars["FSCKTARGET"] = vol.Volume

	useLoop := vol.Options.Has("loop")
	if useLoop {
		if cipher, ok := vol.Options.Get("encryption"); ok {
			vars["CIPHER"] = cipher
			if keybits, ok := vol.Options.Get("keybits"); ok {
				vars["KEYBITS"] = keybits
			}
		}
		if err := m.runLosetup(ctx, CmdLosetup, vars, fsKey); err != nil {
			return err
		}
		vars["FSCKTARGET"] = m.cfg.FsckLoop
		defer func() {
			if err := m.runLosetup(ctx, CmdUnlosetup, vars, nil); err != nil {
				log.ErrorLog(ctx, "could not detach fsck loop: %v", err)
			}
		}()
	} else {
		log.DebugLog(ctx, "volume not a loopback (options: %s)", vol.Options)
	}

	return m.runFsck(ctx, vars)
}

func (m *Manager) runLosetup(ctx context.Context, cmd Command,
	vars map[string]string, fsKey []byte,
) error {
	argv, err := expand.Argv(m.cfg.Commands[cmd], vars)
	if err != nil {
		log.ErrorLog(ctx, "template expansion: %v", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: losetup not configured", ErrConfigInvalid)
	}

	opts := spawn.Options{WantStderr: true}
	opts.WantStdin = fsKey != nil
	proc, err := spawnStart(ctx, argv, opts)
	if err != nil {
		return err
	}
	if fsKey != nil {
		if werr := spawn.PipeWrite(proc.Stdin, fsKey); werr != nil {
			log.ErrorLog(ctx, "error sending password to losetup: %v", werr)
		}
		proc.Stdin.Close()
	}
	spawn.LogOutput(proc.Stderr, "losetup errors:")
	status, err := proc.Wait(ctx)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("losetup exited with status %d", status)
	}

	return nil
}

// runFsck runs the configured fsck helper. Exit status 1 means errors
// were corrected, which passes.
func (m *Manager) runFsck(ctx context.Context, vars map[string]string) error {
	argv, err := expand.Argv(m.cfg.Commands[CmdFsck], vars)
	if err != nil {
		log.ErrorLog(ctx, "template expansion: %v", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: fsck not configured", ErrConfigInvalid)
	}

	proc, err := spawnStart(ctx, argv, spawn.Options{
		WantStdout: true,
		WantStderr: true,
	})
	if err != nil {
		return err
	}
	spawn.LogOutput(proc.Stdout, "")
	spawn.LogOutput(proc.Stderr, "")
	status, err := proc.Wait(ctx)
	if err != nil {
		return err
	}
	if status != 0 && status != 1 {
		return fmt.Errorf("fsck exited with status %d", status)
	}

	return nil
}

func copyVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}

	return out
}

// swappable in tests
var procFilesystems = "/proc/filesystems"

// fstypeNodev reports whether the filesystem type does not sit on a
// block device, per the kernel's /proc/filesystems.
func fstypeNodev(name string) (bool, error) {
	if name == "" {
		return false, nil
	}

	f, err := os.Open(procFilesystems)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		var nodev bool
		var fstype string
		switch len(fields) {
		case 1:
			fstype = fields[0]
		case 2:
			nodev = fields[0] == "nodev"
			fstype = fields[1]
		default:
			continue
		}
		if strings.EqualFold(fstype, name) {
			return nodev, nil
		}
	}

	return false, sc.Err()
}

func isSmtabUnsupported(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, cmtab.ErrNotSupported)
}
