//go:build !(darwin || linux) || novpx

package whep

// IsVPXAvailable reports false on builds without the purego VPX binding.
func IsVPXAvailable() bool { return false }

// IsVP8Available reports false on builds without the purego VPX binding.
func IsVP8Available() bool { return false }

// IsVP9Available reports false on builds without the purego VPX binding.
func IsVP9Available() bool { return false }
