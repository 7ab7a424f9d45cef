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

package cmtab

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pam-mount/pam-mount/internal/util/log"
)

var (
	// ErrNotSupported is returned for mtab operations on platforms where
	// the system mtab is not a writable plain file.
	ErrNotSupported = errors.New("system mtab is not writable on this platform")

	// ErrLock is returned when the advisory byte-range lock on an mtab
	// file could not be acquired.
	ErrLock = errors.New("could not lock mtab file")

	// ErrShortWrite is returned when a record append wrote fewer bytes
	// than the serialized record.
	ErrShortWrite = errors.New("short write appending mtab record")
)

const mtabFieldCount = 4

// lockFile places a blocking advisory lock over the whole of f.
// The lock is released implicitly when f is closed.
func lockFile(f *os.File, lockType int16) error {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: unix.SEEK_SET,
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLock, f.Name(), err)
	}

	return nil
}

// mtabAdd appends one serialized record to an mtab-style file under an
// exclusive lock. The record must already carry its trailing newline.
func mtabAdd(file, line string) error {
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = lockFile(f, unix.F_WRLCK); err != nil {
		return err
	}

	n, err := f.WriteString(line)
	if err != nil {
		return err
	}
	if n < len(line) {
		return ErrShortWrite
	}

	return nil
}

// parseFields splits one mtab line into its four unescaped fields.
// Missing trailing fields come back as empty strings.
func parseFields(line string) [mtabFieldCount]string {
	var out [mtabFieldCount]string
	for i, f := range strings.Fields(line) {
		if i >= mtabFieldCount {
			break
		}
		out[i] = Unescape(f)
	}

	return out
}

// splitLines cuts data into lines, keeping per-line start offsets and the
// offset just past each line. The final element may lack a newline.
type mtabLine struct {
	text  string
	start int64
	end   int64
}

func splitLines(data []byte) []mtabLine {
	var lines []mtabLine
	var start int64
	for start < int64(len(data)) {
		idx := bytes.IndexByte(data[start:], '\n')
		var end int64
		if idx < 0 {
			end = int64(len(data))
		} else {
			end = start + int64(idx) + 1
		}
		lines = append(lines, mtabLine{
			text:  strings.TrimRight(string(data[start:end]), "\n"),
			start: start,
			end:   end,
		})
		start = end
	}

	return lines
}

// mtabRemove removes the last record whose field fieldIdx matches spec and
// compacts the remainder of the file forward. Reports whether a record was
// removed.
func mtabRemove(file, spec string, fieldIdx int) (bool, error) {
	f, err := os.OpenFile(file, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err = lockFile(f, unix.F_WRLCK); err != nil {
		return false, err
	}

	// Read through the locked descriptor: opening the file a second
	// time and closing it again would drop this process's fcntl lock.
	data, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}

	var posSrc, posDst int64
	found := false
	for _, ln := range splitLines(data) {
		fields := parseFields(ln.text)
		if fields[fieldIdx] != spec {
			continue
		}
		posSrc = ln.end
		posDst = ln.start
		found = true
		// keep scanning, the most recent entry is the last match
	}
	if !found {
		return false, nil
	}

	fd := int(f.Fd())
	buf := make([]byte, 1024)
	for {
		rd, rerr := unix.Pread(fd, buf, posSrc)
		if rd > 0 {
			wr, werr := unix.Pwrite(fd, buf[:rd], posDst)
			if werr != nil || wr != rd {
				log.WarningLogMsg("mtab compaction pwrite on %s: %v", file, werr)
				if wr > 0 {
					posDst += int64(wr)
				}
				break
			}
			posSrc += int64(rd)
			posDst += int64(rd)
		}
		if rerr != nil || rd <= 0 {
			break
		}
	}

	if err = unix.Ftruncate(fd, posDst); err != nil {
		log.WarningLogMsg("mtab ftruncate on %s: %v", file, err)
	}

	return true, nil
}
