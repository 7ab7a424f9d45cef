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

// Package mounter is the per-volume mount/unmount state machine. It
// decides whether a volume is already mounted, prepares the mountpoint
// and the filesystem key, expands the configured helper template, spawns
// the helper with the key on its stdin, and records encrypted mounts in
// the association registry so teardown can walk the layer stack in
// reverse.
package mounter

import (
	"context"

	mount "k8s.io/mount-utils"

	"github.com/pam-mount/pam-mount/internal/cmtab"
	"github.com/pam-mount/pam-mount/internal/util/log"
)

// Manager executes mount and unmount requests against one configuration.
type Manager struct {
	cfg      *Config
	mounter  mount.Interface
	registry *cmtab.Registry
	smtab    *cmtab.Smtab
}

// New builds a Manager over cfg. Missing collaborators are filled with
// the system defaults.
func New(cfg *Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		mounter:  cfg.Mounter,
		registry: cmtab.New(cfg.CmtabPath),
		smtab:    cmtab.NewSmtab(),
	}
	if cfg.SmtabPath != "" {
		m.smtab = cmtab.NewSmtabAt(cfg.SmtabPath)
	}
	if m.mounter == nil {
		m.mounter = mount.New("")
	}

	return m
}

// logVolume dumps the mount input when debugging, passwords excluded.
func logVolume(ctx context.Context, vol *Volume) {
	log.DebugLog(ctx, "information for mount:")
	log.DebugLog(ctx, "----------------------")
	log.DebugLog(ctx, "(defined by %s)", map[bool]string{
		true: "globalconf", false: "luserconf",
	}[vol.GlobalConf])
	log.DebugLog(ctx, "user:          %s", vol.User)
	log.DebugLog(ctx, "server:        %s", vol.Server)
	log.DebugLog(ctx, "volume:        %s", vol.Volume)
	log.DebugLog(ctx, "mountpoint:    %s", vol.Mountpoint)
	log.DebugLog(ctx, "options:       %s", vol.Options)
	log.DebugLog(ctx, "fs_key_cipher: %s", vol.FSKeyCipher)
	log.DebugLog(ctx, "fs_key_path:   %s", vol.FSKeyPath)
	log.DebugLog(ctx, "----------------------")
}
