//go:build !windows

package windowsapi

import "errors"

var errNotSupported = errors.New("windowsapi: not supported on this platform")

func GetProcessSnapshot() (map[uint32]ProcessInfo, error) {
	return nil, errNotSupported
}

func IsDebuggerPresent() bool { return false }
