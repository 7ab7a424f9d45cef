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

package spawn

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndWait(t *testing.T) {
	t.Parallel()
	p, err := Start(context.TODO(), []string{"/bin/true"}, Options{})
	require.NoError(t, err)
	status, err := p.Wait(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestWaitNonZeroExit(t *testing.T) {
	t.Parallel()
	p, err := Start(context.TODO(), []string{"/bin/false"}, Options{})
	require.NoError(t, err)
	status, err := p.Wait(context.TODO())
	require.NoError(t, err)
	assert.NotEqual(t, 0, status)
}

func TestStartMissingBinary(t *testing.T) {
	t.Parallel()
	_, err := Start(context.TODO(), []string{"/nonexistent/helper"}, Options{})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestStartEmptyArgv(t *testing.T) {
	t.Parallel()
	_, err := Start(context.TODO(), nil, Options{})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestStdinStdoutPipes(t *testing.T) {
	t.Parallel()
	p, err := Start(context.TODO(), []string{"/bin/cat"}, Options{
		WantStdin:  true,
		WantStdout: true,
	})
	require.NoError(t, err)

	require.NoError(t, PipeWrite(p.Stdin, []byte("fs key bytes")))
	require.NoError(t, p.Stdin.Close())

	out, err := io.ReadAll(p.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "fs key bytes", string(out))

	status, err := p.Wait(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestChildEnvironment(t *testing.T) {
	t.Parallel()
	p, err := Start(context.TODO(), []string{"/usr/bin/env"}, Options{
		WantStdout: true,
		Env:        []string{"PASSWD_FD=0"},
	})
	require.NoError(t, err)

	out, err := io.ReadAll(p.Stdout)
	require.NoError(t, err)
	_, werr := p.Wait(context.TODO())
	require.NoError(t, werr)

	env := string(out)
	assert.Contains(t, env, "PASSWD_FD=0\n")
	assert.Contains(t, env, "PATH=/usr/sbin:/usr/bin:/sbin:/bin\n")
	// the caller's environment must not leak through
	assert.NotContains(t, env, "GOPATH=")
}

func TestLogArgv(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", LogArgv(nil))
	assert.Equal(t, "/bin/mount", LogArgv([]string{"/bin/mount"}))
	assert.Equal(t, "/bin/mount [-t] [ext4]",
		LogArgv([]string{"/bin/mount", "-t", "ext4"}))
}

func TestLogOutput(t *testing.T) {
	t.Parallel()
	// must drain and close without choking on multi-line output
	LogOutput(io.NopCloser(strings.NewReader("line one\nline two\n")), "helper said:")
	LogOutput(io.NopCloser(strings.NewReader("")), "never printed")
}
