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

// Package spawn runs the external helper programs. Each child gets a
// fresh session, a known PATH, a working directory of /, and optionally
// the identity of the mount user, so that helpers such as FUSE daemons
// survive the login program and cannot be steered by the caller's
// environment.
package spawn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

// ErrSpawn is returned when a helper could not be started at all.
var ErrSpawn = errors.New("could not spawn helper")

// Helpers only ever run from the system directories.
const safePath = "PATH=/usr/sbin:/usr/bin:/sbin:/bin"

// Options adjusts how a helper child is set up.
type Options struct {
	// WantStdin, WantStdout and WantStderr request a pipe on the
	// respective stream. Streams without a pipe are discarded.
	WantStdin  bool
	WantStdout bool
	WantStderr bool

	// User drops the child to the named account (setgid, then setuid)
	// and points HOME and USER at it. Empty keeps root.
	User string

	// Env appends additional KEY=VALUE pairs to the child environment.
	Env []string
}

// Proc is a running helper child.
type Proc struct {
	cmd *exec.Cmd

	// Stdin is the write end of the child's stdin pipe, when requested.
	Stdin io.WriteCloser
	// Stdout and Stderr are the read ends of the respective pipes, when
	// requested.
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Start launches argv[0] with the remaining elements as arguments.
func Start(ctx context.Context, argv []string, opts Options) (*Proc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argument vector", ErrSpawn)
	}

	log.DebugLog(ctx, "command: %s", LogArgv(StripSecretInArgs(argv)))

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec:G204, helper invocation is the whole point
	cmd.Dir = "/"
	cmd.Env = append([]string{safePath}, opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if opts.User != "" {
		pw, err := user.Lookup(opts.User)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup of user %s: %v", ErrSpawn, opts.User, err)
		}
		uid, err := strconv.ParseUint(pw.Uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad uid %q: %v", ErrSpawn, pw.Uid, err)
		}
		gid, err := strconv.ParseUint(pw.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad gid %q: %v", ErrSpawn, pw.Gid, err)
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(uid),
			Gid: uint32(gid),
		}
		cmd.Env = append(cmd.Env, "HOME="+pw.HomeDir, "USER="+pw.Username)
	}

	proc := &Proc{cmd: cmd}
	var err error
	if opts.WantStdin {
		if proc.Stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}
	if opts.WantStdout {
		if proc.Stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}
	if opts.WantStderr {
		if proc.Stderr, err = cmd.StderrPipe(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}

	return proc, nil
}

// Wait reaps the child and returns its exit status. A status the OS could
// not report (signal death) comes back as -1 with an error.
func (p *Proc) Wait(ctx context.Context) (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	log.ErrorLog(ctx, "error waiting for child: %v", err)

	return -1, err
}

// PipeWrite delivers key material to a child's stdin. The runtime keeps
// SIGPIPE away from writes to pipe descriptors, so a child that exits
// before reading surfaces as EPIPE here rather than killing the process.
func PipeWrite(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}

	return nil
}

// LogOutput drains r, logging every line. The conditional message is only
// printed when the child actually produced output. r is closed.
func LogOutput(r io.ReadCloser, cmsg string) {
	defer r.Close()

	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first && cmsg != "" {
			log.WarningLogMsg("%s", cmsg)
			first = false
		}
		log.WarningLogMsg("%s", sc.Text())
	}
}

// LogArgv renders an argument vector for the debug log, bracketing each
// argument the way the mount helpers are logged traditionally.
func LogArgv(argv []string) string {
	if len(argv) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(argv[0])
	for _, arg := range argv[1:] {
		sb.WriteString(" [")
		sb.WriteString(arg)
		sb.WriteString("]")
	}

	return sb.String()
}
