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

package expand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	t.Parallel()
	vars := map[string]string{
		"MNTPT":   "/mnt/a",
		"VOLUME":  "/srv/img.bin",
		"OPTIONS": "rw,user=jane",
		"EMPTY":   "",
	}

	tests := []struct {
		tmpl, out string
	}{
		{"mount", "mount"},
		{"%(VOLUME)", "/srv/img.bin"},
		{"%(VOLUME) on %(MNTPT)", "/srv/img.bin on /mnt/a"},
		{"%(MISSING)", ""},
		{"%(EMPTY)", ""},
		{`%(before="-o" OPTIONS)`, "-orw,user=jane"},
		{`%(before="-o" EMPTY)`, ""},
		{`%(before="-o" MISSING)`, ""},
		{`%(after=".img" VOLUME)`, "/srv/img.bin.img"},
		{`%(before="[" after="]" MNTPT)`, "[/mnt/a]"},
		{`%(before="[" after="]" EMPTY)`, ""},
		{"100%% plain percent stays", "100%% plain percent stays"},
	}
	for _, tc := range tests {
		out, err := Expand(tc.tmpl, vars)
		require.NoError(t, err, tc.tmpl)
		assert.Equal(t, tc.out, out, tc.tmpl)
	}
}

func TestExpandParseErrors(t *testing.T) {
	t.Parallel()
	vars := map[string]string{"A": "x"}

	tests := []string{
		"%(unterminated",
		`%(before=-o A)`,
		`%(before="-o A)`,
		"%(BAD NAME)",
		"%()",
	}
	for _, tmpl := range tests {
		out, err := Expand(tmpl, vars)
		assert.Error(t, err, tmpl)
		// malformed text passes through untouched
		assert.Equal(t, tmpl, out, tmpl)
	}

	// errors do not poison the rest of the template
	out, err := Expand("ok=%(A) bad=%(", vars)
	assert.Error(t, err)
	assert.Equal(t, "ok=x bad=%(", out)
}

func TestArgv(t *testing.T) {
	t.Parallel()
	vars := map[string]string{
		"MNTPT":  "/mnt/a",
		"VOLUME": "/srv/img.bin",
	}

	argv, err := Argv([]string{
		"/bin/mount",
		`%(before="-o" OPTIONS)`,
		"%(VOLUME)",
		"%(MNTPT)",
	}, vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/mount", "/srv/img.bin", "/mnt/a"}, argv)
}

func TestArgvKeepsLiteralEmpties(t *testing.T) {
	t.Parallel()
	argv, err := Argv([]string{"cmd", "", "-v"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd", "", "-v"}, argv)
}
