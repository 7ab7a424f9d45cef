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

// umount.crypt unmounts an encrypted container and tears down its
// crypto and loop layers, as recorded in the cmtab:
//
//	umount.crypt [options] MOUNTPOINT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/pam-mount/pam-mount/internal/mounter"
	"github.com/pam-mount/pam-mount/internal/util/log"
)

var (
	mountUser = flag.String("u", "", "mount user (defaults to the invoking user)")
	cmtabPath = flag.String("cmtab", "", "override the cmtab location")
	verbose   = flag.Bool("v", false, "verbose diagnostics")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] MOUNTPOINT\n", os.Args[0])
		os.Exit(2)
	}

	mountpoint := flag.Arg(0)
	if real, err := filepath.EvalSymlinks(mountpoint); err == nil {
		mountpoint = real
	}

	runUser := *mountUser
	if runUser == "" {
		u, err := user.Current()
		if err != nil {
			klog.Errorf("could not determine invoking user: %v", err)
			os.Exit(1)
		}
		runUser = u.Username
	}

	cfg := mounter.DefaultConfig()
	cfg.Debug = *verbose
	cfg.CmtabPath = *cmtabPath
	// the directory was not made by this invocation, never remove it
	cfg.RmdirMountpoint = false

	vol := &mounter.Volume{
		Kind:       mounter.KindCrypt,
		User:       runUser,
		Mountpoint: mountpoint,
	}

	ctx := context.WithValue(context.Background(), log.CtxKey, runUser)
	if err := mounter.New(cfg).Unmount(ctx, vol); err != nil {
		klog.Errorf("unmount of %s failed: %v", mountpoint, err)
		os.Exit(1)
	}
}
