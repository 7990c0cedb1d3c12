//go:build darwin || linux

package whep

import (
	"path/filepath"
	"strings"
	"testing"
	"unsafe"
)

func TestLibSearch_Candidates(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_LIB_FILE", "/opt/custom/libfoo.so")
	t.Setenv("TEST_LIB_DIR", dir)
	t.Setenv("TEST_LIB_UNSET", "")

	paths := libSearch{
		FileEnv:    "TEST_LIB_FILE",
		DirEnvs:    []string{"TEST_LIB_UNSET", "TEST_LIB_DIR"},
		Names:      []string{"libfoo.so.2", "libfoo.so"},
		SystemDirs: []string{"/usr/lib"},
	}.candidates()

	if len(paths) < 4 {
		t.Fatalf("candidates = %v", paths)
	}
	want := []string{"/opt/custom/libfoo.so", filepath.Join(dir, "libfoo.so.2"), filepath.Join(dir, "libfoo.so")}
	for i, w := range want {
		if paths[i] != w {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], w)
		}
	}
	tail := strings.Join(paths[len(paths)-4:], " ")
	if tail != "libfoo.so.2 /usr/lib/libfoo.so.2 libfoo.so /usr/lib/libfoo.so" {
		t.Errorf("system candidates = %q", tail)
	}
	for _, p := range paths {
		if strings.HasPrefix(p, "TEST_LIB_UNSET") || p == "" {
			t.Errorf("unset env produced %q", p)
		}
	}
}

func TestCStrings(t *testing.T) {
	b := cString("NDI")
	if len(b) != 4 || b[3] != 0 {
		t.Fatalf("cString = %v", b)
	}
	if got := goStringFromPtr(cStringPtr(b)); got != "NDI" {
		t.Errorf("round trip = %q", got)
	}
	if goStringFromPtr(0) != "" || cStringPtr(nil) != 0 {
		t.Error("nil pointers should map to empty values")
	}

	long := make([]byte, maxCStringLen+10)
	for i := range long {
		long[i] = 'x'
	}
	if got := goStringFromPtr(uintptr(unsafe.Pointer(&long[0]))); len(got) != maxCStringLen {
		t.Errorf("unterminated string read %d bytes", len(got))
	}
}

func TestDlopenFirst_NoCandidates(t *testing.T) {
	if _, _, err := dlopenFirst(nil); err == nil {
		t.Error("empty candidate list accepted")
	}
	if _, _, err := dlopenFirst([]string{"/nonexistent/libnothing.so"}); err == nil {
		t.Error("missing library loaded")
	}
}
