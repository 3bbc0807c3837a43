/*
Copyright 2025 The TopOpt Authors.

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

package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// FormatSidecar renders the sidecar line. The scale uses the shortest
// representation that parses back to the same float64.
func FormatSidecar(sc Sidecar) string {
	return fmt.Sprintf("%d %s\n", sc.Iteration, strconv.FormatFloat(sc.Scale, 'e', -1, 64))
}

// ParseSidecar parses two whitespace-separated values, an integer
// iteration and a float scale.
func ParseSidecar(text string) (Sidecar, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return Sidecar{}, fmt.Errorf("%w: want 2 fields, got %d", ErrBadSidecar, len(fields))
	}
	itr, err := strconv.Atoi(fields[0])
	if err != nil {
		return Sidecar{}, fmt.Errorf("%w: iteration %q", ErrBadSidecar, fields[0])
	}
	scale, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Sidecar{}, fmt.Errorf("%w: scale %q", ErrBadSidecar, fields[1])
	}
	return Sidecar{Iteration: itr, Scale: scale}, nil
}

// WriteSidecar replaces the sidecar at path. It is a local operation.
func WriteSidecar(fs afero.Fs, path string, sc Sidecar) error {
	tmp, err := stageSidecar(fs, path, sc)
	if err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

// stageSidecar writes sc to a temporary sibling of path and returns its
// name. Nothing is visible under path until the caller renames it.
func stageSidecar(fs afero.Fs, path string, sc Sidecar) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, []byte(FormatSidecar(sc)), 0o644); err != nil {
		_ = fs.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// ReadSidecar reads the sidecar at path. It is a local operation.
func ReadSidecar(fs afero.Fs, path string) (Sidecar, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Sidecar{}, err
	}
	sc, err := ParseSidecar(string(raw))
	if err != nil {
		return Sidecar{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// fileExists reports whether path names an existing regular file.
func fileExists(fs afero.Fs, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}
