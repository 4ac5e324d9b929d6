package tracing

import (
	"errors"
	"fmt"
)

// Errno is a Win32 error code returned by a tracing call.
type Errno uint32

const (
	ErrnoSuccess             Errno = 0
	ErrnoAccessDenied        Errno = 5
	ErrnoNotSupported        Errno = 50
	ErrnoInvalidParameter    Errno = 87
	ErrnoBadLength           Errno = 24
	ErrnoMoreData            Errno = 234
	ErrnoAlreadyExists       Errno = 183
	ErrnoNotFound            Errno = 1168
	ErrnoCancelled           Errno = 1223
	ErrnoNoSystemResources   Errno = 1450
	ErrnoWMIInstanceNotFound Errno = 4201
	ErrnoCtxClosePending     Errno = 7007
)

var errnoNames = map[Errno]string{
	ErrnoSuccess:             "ERROR_SUCCESS",
	ErrnoAccessDenied:        "ERROR_ACCESS_DENIED",
	ErrnoNotSupported:        "ERROR_NOT_SUPPORTED",
	ErrnoInvalidParameter:    "ERROR_INVALID_PARAMETER",
	ErrnoBadLength:           "ERROR_BAD_LENGTH",
	ErrnoMoreData:            "ERROR_MORE_DATA",
	ErrnoAlreadyExists:       "ERROR_ALREADY_EXISTS",
	ErrnoNotFound:            "ERROR_NOT_FOUND",
	ErrnoCancelled:           "ERROR_CANCELLED",
	ErrnoNoSystemResources:   "ERROR_NO_SYSTEM_RESOURCES",
	ErrnoWMIInstanceNotFound: "ERROR_WMI_INSTANCE_NOT_FOUND",
	ErrnoCtxClosePending:     "ERROR_CTX_CLOSE_PENDING",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return fmt.Sprintf("%s (%d)", name, uint32(e))
	}
	return fmt.Sprintf("win32 error %d", uint32(e))
}

// Code returns the numeric error code.
func (e Errno) Code() uint32 {
	return uint32(e)
}

// ErrNotSupported is returned by every call on platforms without ETW.
var ErrNotSupported = errors.New("tracing: event tracing is not supported on this platform")

// IsErrno reports whether err is one of codes.
func IsErrno(err error, codes ...Errno) bool {
	var e Errno
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e == c {
			return true
		}
	}
	return false
}

// CodeOf extracts the Errno carried by err, or zero.
func CodeOf(err error) Errno {
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return 0
}

func errnoOrNil(r uintptr) error {
	if r == 0 {
		return nil
	}
	return Errno(r)
}
