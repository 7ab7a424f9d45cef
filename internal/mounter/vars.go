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
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

// buildVars assembles the substitution map for one mount request. The
// process environment seeds the map; the volume-derived variables win
// over it.
func buildVars(ctx context.Context, cfg *Config, vol *Volume) map[string]string {
	vars := make(map[string]string, len(os.Environ())+16)

	for _, kv := range os.Environ() {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			vars[kv[:eq]] = kv[eq+1:]
		}
	}

	now := time.Now()
	vars["DAY"] = now.Format("02")
	vars["MONTH"] = now.Format("January")
	vars["YEAR"] = now.Format("2006")

	vars["MNTPT"] = vol.Mountpoint
	vars["FSCKLOOP"] = cfg.FsckLoop
	vars["FSTYPE"] = vol.Fstype
	vars["VOLUME"] = vol.Volume
	vars["SERVER"] = vol.Server
	vars["USER"] = vol.User
	vars["OPTIONS"] = vol.Options.String()

	addNTDomain(vars, vol.User)

	if pw, err := user.Lookup(vol.User); err != nil {
		log.WarningLog(ctx, "lookup of user %q failed: %v", vol.User, err)
	} else {
		vars["USERUID"] = pw.Uid
		vars["USERGID"] = pw.Gid
	}

	return vars
}

// addNTDomain splits a DOMAIN\user login into its halves, for helpers
// that want the NT domain spelled separately.
func addNTDomain(vars map[string]string, login string) {
	domain, u, found := strings.Cut(login, "\\")
	if !found {
		return
	}
	vars["DOMAIN_NAME"] = domain
	vars["DOMAIN_USER"] = u
	vars["USER"] = u
}
