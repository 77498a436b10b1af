//go:build !linux && !darwin && !windows

package utils

func setSocketOptions(uintptr) {}
