//go:build darwin || linux

// Shared helpers for the purego bindings (NDI SDK, libmedia_vpx).

package whep

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/ebitengine/purego"
)

// maxCStringLen bounds goStringFromPtr.
const maxCStringLen = 4096

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for length < maxCStringLen {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// cString returns a NUL-terminated copy of s. The caller keeps the slice
// alive for as long as native code may read it.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func cStringPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// dlopenFirst opens the first loadable library among paths.
func dlopenFirst(paths []string) (uintptr, string, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, path, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, "", fmt.Errorf("dlopen: %w", lastErr)
	}
	return 0, "", errors.New("no library candidates")
}

// libSearch describes where a native library may live.
type libSearch struct {
	FileEnv    string   // Full path to the library
	DirEnvs    []string // Directories holding one of Names
	Names      []string // File names, most specific first
	SystemDirs []string
}

// candidates lists paths in lookup order: environment overrides, next to
// the executable, build/ under the module root, bare names for the
// dynamic loader, then SystemDirs.
func (l libSearch) candidates() []string {
	var paths []string
	if l.FileEnv != "" {
		if p := os.Getenv(l.FileEnv); p != "" {
			paths = append(paths, p)
		}
	}
	for _, env := range l.DirEnvs {
		if dir := os.Getenv(env); dir != "" {
			for _, name := range l.Names {
				paths = append(paths, filepath.Join(dir, name))
			}
		}
	}
	root := findModuleRoot()
	for _, name := range l.Names {
		paths = append(paths, executableRelative(name)...)
		if root != "" {
			paths = append(paths, filepath.Join(root, "build", name))
		}
	}
	for _, name := range l.Names {
		paths = append(paths, name)
		for _, dir := range l.SystemDirs {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths
}

// executableRelative returns name next to the running binary and in its
// ../lib directory.
func executableRelative(name string) []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	dir := filepath.Dir(exe)
	return []string{
		filepath.Join(dir, name),
		filepath.Join(dir, "..", "lib", name),
	}
}

// findModuleRoot returns the nearest directory above the working directory
// that holds a go.mod, or "".
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
