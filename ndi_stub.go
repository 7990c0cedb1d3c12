//go:build !(darwin || linux) || nondi

package whep

// LoadRuntime reports ErrRuntimeUnavailable on platforms without the purego
// NDI binding.
func LoadRuntime() (Runtime, error) {
	return nil, ErrRuntimeUnavailable
}

// IsNDIAvailable reports whether the NDI SDK can be loaded.
func IsNDIAvailable() bool { return false }
