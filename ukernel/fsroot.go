package ukernel

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath jails a guest path lookup under t.fsroot. dirfd is ignored
// beyond treating it as AT_FDCWD, since a single guest task
// keeps no per-fd directory table.
// "/proc/self/exe" is special-cased to the running task's own executable
// path.
func (t *Task) resolvePath(path string) (string, error) {
	if path == "/proc/self/exe" {
		return t.execPath, nil
	}

	var joined string
	if strings.HasPrefix(path, "/") {
		joined = filepath.Join(t.fsroot, path)
	} else {
		joined = filepath.Join(t.fsroot, t.cwd, path)
	}

	clean := filepath.Clean(joined)
	root := filepath.Clean(t.fsroot)
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", fmt.Errorf("ukernel: path %q escapes fsroot", path)
	}
	return clean, nil
}
