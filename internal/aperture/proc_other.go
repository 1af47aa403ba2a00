//go:build !linux

package aperture

func processRSSBytes() (uint64, bool) { return 0, false }
