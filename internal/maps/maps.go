package maps

import (
	"fmt"
	"strings"
)

// Kind names a ConcurrentMap backend.
type Kind string

const (
	KindXSync   Kind = "xsync"
	KindCornelk Kind = "cornelk"
)

// ParseKind returns the backend named by s. The empty string selects the
// default backend.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return defaultKind, nil
	case KindXSync, KindCornelk:
		return k, nil
	default:
		return "", fmt.Errorf("unknown map backend %q (want %q or %q)", s, KindXSync, KindCornelk)
	}
}

// defaultKind is the backend returned by NewConcurrentMap.
const defaultKind = KindXSync

// Integer is a constraint that permits any integer type, including the
// handle and context key types of the tracing layer.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a thread-safe map with integer keys. It is read from
// native callback threads, so implementations must not block on Load.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value, or stores and returns the
	// factory's value. loaded reports whether the value already existed.
	LoadOrStore(key K, valueFactory func() V) (value V, loaded bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

// NewConcurrentMap returns the default backend.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return NewConcurrentMapOf[K, V](defaultKind)
}

// NewConcurrentMapOf returns the backend named by kind, falling back to the
// default for unknown names.
func NewConcurrentMapOf[K Integer, V any](kind Kind) ConcurrentMap[K, V] {
	if kind == KindCornelk {
		return NewCornelkMap[K, V]()
	}
	return NewXSyncMap[K, V]()
}
