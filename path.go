// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodevisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath turns p into an absolute, clean path and verifies that it
// lies within root.  Relative paths are taken relative to root, and an
// empty path means root itself.  If the path exists, symbolic links are
// resolved before the check as well, so a link cannot be used to escape.
// Paths outside root fail with ErrAccessDenied.
func ResolvePath(root, p string) (string, error) {
	root, e := filepath.Abs(root)
	if e != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, e)
	}
	if p == "" {
		return root, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if !within(root, p) {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, p)
	}
	if real, e := filepath.EvalSymlinks(p); e == nil {
		realRoot, e := filepath.EvalSymlinks(root)
		if e != nil {
			realRoot = root
		}
		if !within(realRoot, real) {
			return "", fmt.Errorf("%w: %s", ErrAccessDenied, p)
		}
	}
	return p, nil
}

func within(root, p string) bool {
	rel, e := filepath.Rel(root, p)
	if e != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
