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
	"path"

	"github.com/pam-mount/pam-mount/internal/cmtab"
	"github.com/pam-mount/pam-mount/internal/ehd"
	"github.com/pam-mount/pam-mount/internal/expand"
	"github.com/pam-mount/pam-mount/internal/spawn"
	"github.com/pam-mount/pam-mount/internal/util/log"
)

// Unmount tears one volume down: the unmount helper for its kind, then,
// for encrypted containers, the crypto and loop layers in reverse order
// as recorded in the registry.
func (m *Manager) Unmount(ctx context.Context, vol *Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	vars := buildVars(ctx, m.cfg, vol)

	if m.cfg.Debug {
		// often a process still has the former home directory as its
		// working directory after logout; lsof shows the culprit
		m.runLsof(ctx, vars)
	}

	cmd, ok := umountCommand[vol.Kind]
	if !ok {
		cmd = CmdUmount
	}
	if vol.Kind == KindCrypt {
		cmd = CmdCryptUmount
	}

	argv, err := expand.Argv(m.cfg.Commands[cmd], vars)
	if err != nil {
		log.ErrorLog(ctx, "template expansion: %v", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: no unmount command configured for kind %s",
			ErrConfigInvalid, vol.Kind)
	}

	opts := spawn.Options{WantStderr: true}
	if vol.Kind == KindFUSE {
		// fusermount -u must run as the daemon's owner
		opts.User = vol.User
	}

	var helperErr error
	proc, err := spawnStart(ctx, argv, opts)
	if err != nil {
		helperErr = err
	} else {
		spawn.LogOutput(proc.Stderr, "umount errors:")
		status, werr := proc.Wait(ctx)
		switch {
		case werr != nil:
			helperErr = fmt.Errorf("%w: %v", ErrUnmountHelper, werr)
		case status != 0:
			helperErr = fmt.Errorf("%w: exit status %d", ErrUnmountHelper, status)
		}
	}

	if m.cfg.MkMountpoint && m.cfg.RmdirMountpoint && vol.CreatedMountpoint {
		if err := os.Remove(vol.Mountpoint); err != nil {
			log.WarningLog(ctx, "could not remove %s: %v", vol.Mountpoint, err)
		}
	}

	if vol.Kind == KindCrypt {
		if err := m.unloadCrypt(ctx, vol); err != nil {
			if helperErr == nil {
				helperErr = err
			} else {
				log.ErrorLog(ctx, "teardown of crypto stack: %v", err)
			}
		}
	}

	return helperErr
}

// unloadCrypt looks the volume's layer stack up in the registry, unwinds
// it and drops the records.
func (m *Manager) unloadCrypt(ctx context.Context, vol *Volume) error {
	if _, err := m.registry.Repair(); err != nil {
		log.WarningLog(ctx, "cmtab repair: %v", err)
	}

	entry, found, err := m.registry.Get(vol.Mountpoint, cmtab.FieldMountpoint)
	if err != nil {
		return fmt.Errorf("could not read cmtab: %w", err)
	}
	if !found {
		return fmt.Errorf("no cmtab record for %s", vol.Mountpoint)
	}

	info := &ehd.MountInfo{
		Container:    entry.Container,
		LowerDevice:  entry.LoopDevice,
		LoopDevice:   entry.LoopDevice,
		CryptoName:   path.Base(entry.CryptoDevice),
		CryptoDevice: entry.CryptoDevice,
	}
	if entry.CryptoDevice == "" {
		info.CryptoName = ehd.CryptoName(entry.Container)
		info.CryptoDevice = "/dev/mapper/" + info.CryptoName
	}
	if info.LowerDevice == "" {
		info.LowerDevice = entry.Container
	}

	if err = ehdUnload(ctx, info); err != nil {
		return err
	}

	if _, err = m.registry.Remove(vol.Mountpoint, cmtab.FieldMountpoint); err != nil {
		log.ErrorLog(ctx, "could not drop cmtab record for %s: %v", vol.Mountpoint, err)
	}
	if _, err = m.smtab.Remove(vol.Mountpoint, cmtab.SmtabFieldMountpoint); err != nil &&
		!isSmtabUnsupported(err) {
		log.WarningLog(ctx, "could not update system mtab: %v", err)
	}

	return nil
}

// runLsof logs which processes still hold the mountpoint open.
func (m *Manager) runLsof(ctx context.Context, vars map[string]string) {
	templates := m.cfg.Commands[CmdLsof]
	if len(templates) == 0 {
		log.ErrorLog(ctx, "lsof not configured")

		return
	}
	argv, err := expand.Argv(templates, vars)
	if err != nil {
		log.ErrorLog(ctx, "template expansion: %v", err)
	}

	proc, err := spawnStart(ctx, argv, spawn.Options{WantStdout: true})
	if err != nil {
		log.WarningLog(ctx, "could not run lsof: %v", err)

		return
	}
	spawn.LogOutput(proc.Stdout, "lsof output:")
	if _, err := proc.Wait(ctx); err != nil {
		log.ErrorLog(ctx, "error waiting for lsof: %v", err)
	}
}
