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

// mount.crypt sets up an encrypted container and mounts it:
//
//	mount.crypt [options] CONTAINER MOUNTPOINT
//
// The filesystem key is read from the terminal, or decrypted from an
// enveloped keyfile when one is given.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"

	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/pam-mount/pam-mount/internal/ehd"
	"github.com/pam-mount/pam-mount/internal/mounter"
	"github.com/pam-mount/pam-mount/internal/util/log"
)

var (
	options   = flag.String("o", "", "mount options (comma separated key=value)")
	fstype    = flag.String("t", "", "filesystem type inside the container")
	readonly  = flag.Bool("r", false, "mount read-only")
	keyfile   = flag.String("k", "", "path to the enveloped filesystem keyfile")
	keyCipher = flag.String("c", "", "cipher the keyfile is enveloped with (e.g. aes-256-cbc)")
	keyHash   = flag.String("H", "md5", "digest the keyfile envelope uses")
	mountUser = flag.String("u", "", "mount user (defaults to the invoking user)")
	cmtabPath = flag.String("cmtab", "", "override the cmtab location")
	verbose   = flag.Bool("v", false, "verbose diagnostics")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] CONTAINER MOUNTPOINT\n", os.Args[0])
		os.Exit(2)
	}
	container, mountpoint := flag.Arg(0), flag.Arg(1)

	runUser := *mountUser
	if runUser == "" {
		u, err := user.Current()
		if err != nil {
			klog.Errorf("could not determine invoking user: %v", err)
			os.Exit(1)
		}
		runUser = u.Username
	}

	if *keyCipher != "" &&
		ehd.CipherDigestSecurity(*keyCipher) < ehd.SecurityAdequate {
		klog.Warningf("keyfile cipher %s is considered insecure", *keyCipher)
	}

	prompt := "Password: "
	if *keyfile != "" {
		prompt = "Keyfile passphrase: "
	}
	password, err := readPassword(prompt)
	if err != nil {
		klog.Errorf("could not read password: %v", err)
		os.Exit(1)
	}
	defer ehd.Wipe(password)

	cfg := mounter.DefaultConfig()
	cfg.Debug = *verbose
	cfg.CmtabPath = *cmtabPath

	vol := &mounter.Volume{
		Kind:       mounter.KindCrypt,
		User:       runUser,
		Fstype:     *fstype,
		Volume:     container,
		Mountpoint: mountpoint,
		Options:    parseOptions(*options),
		Readonly:   *readonly,
	}
	if *keyfile != "" {
		vol.FSKeyPath = *keyfile
		vol.FSKeyCipher = *keyCipher
		vol.FSKeyHash = *keyHash
	}

	ctx := context.WithValue(context.Background(), log.CtxKey, runUser)
	if err := mounter.New(cfg).Mount(ctx, vol, password); err != nil {
		klog.Errorf("mount of %s failed: %v", container, err)
		os.Exit(1)
	}
}

func parseOptions(s string) mounter.Options {
	var opts mounter.Options
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		opts = append(opts, mounter.Option{Key: key, Value: value})
	}

	return opts
}

// readPassword prompts on the controlling terminal with echo off, and
// falls back to a plain line read when stdin is not a terminal.
func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, err
		}

		return []byte(strings.TrimRight(line, "\n")), nil
	}

	fmt.Print(prompt)
	password, err := term.ReadPassword(fd)
	fmt.Println()

	return password, err
}
