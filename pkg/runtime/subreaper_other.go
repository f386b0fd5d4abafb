//go:build !linux

package runtime

func setSubreaper() error { return nil }
