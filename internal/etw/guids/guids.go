// Package guids lists well-known provider GUIDs so providers can be
// configured by name.
package guids

import (
	"fmt"
	"strings"

	"github.com/Microsoft/go-winio/pkg/guid"
)

func mustParse(s string) guid.GUID {
	g, err := guid.FromString(strings.Trim(s, "{}"))
	if err != nil {
		panic(err)
	}
	return g
}

// Manifest providers.
var (
	MicrosoftWindowsKernelEventTracingGUID = mustParse("{b675ec37-bdb6-4648-bc92-f3fdc74d3ca2}") // Microsoft-Windows-Kernel-EventTracing
	MicrosoftWindowsKernelDiskGUID         = mustParse("{c7bde69a-e1e0-4177-b6ef-283ad1525271}") // Microsoft-Windows-Kernel-Disk
	MicrosoftWindowsKernelProcessGUID      = mustParse("{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}") // Microsoft-Windows-Kernel-Process
	MicrosoftWindowsKernelFileGUID         = mustParse("{edd08927-9cc4-4e65-b970-c2560fb5c289}") // Microsoft-Windows-Kernel-File
	MicrosoftWindowsKernelNetworkGUID      = mustParse("{7dd42a49-5329-4832-8dfd-43d979153a88}") // Microsoft-Windows-Kernel-Network
	MicrosoftWindowsKernelRegistryGUID     = mustParse("{70eb4f03-c1de-4f73-a051-33d13d5413bd}") // Microsoft-Windows-Kernel-Registry
	MicrosoftWindowsDotNETRuntimeGUID      = mustParse("{e13c0d23-ccbc-4e12-931b-d9cc2eee27e4}") // Microsoft-Windows-DotNETRuntime
)

// System providers (Windows 11 and later).
// https://learn.microsoft.com/en-us/windows/win32/etw/system-providers
var (
	SystemProcessProviderGUID   = mustParse("{151f55dc-467d-471f-83b5-5f889d46ff66}")
	SystemSchedulerProviderGUID = mustParse("{599a2a76-4d91-4910-9ac7-7d33f2e97a6c}")
	SystemInterruptProviderGUID = mustParse("{d4bbee17-b545-4888-858b-744169015b25}")
	SystemMemoryProviderGUID    = mustParse("{82958ca9-b6cd-47f8-a3a8-03ae85a4bc24}")
	SystemIoProviderGUID        = mustParse("{3d5c43e3-0f1c-4202-b817-174c0070dc79}")
	SystemRegistryProviderGUID  = mustParse("{16156bd9-fab4-4cfa-a232-89d1099058e3}")
)

var byName = map[string]guid.GUID{
	"microsoft-windows-kernel-eventtracing": MicrosoftWindowsKernelEventTracingGUID,
	"microsoft-windows-kernel-disk":         MicrosoftWindowsKernelDiskGUID,
	"microsoft-windows-kernel-process":      MicrosoftWindowsKernelProcessGUID,
	"microsoft-windows-kernel-file":         MicrosoftWindowsKernelFileGUID,
	"microsoft-windows-kernel-network":      MicrosoftWindowsKernelNetworkGUID,
	"microsoft-windows-kernel-registry":     MicrosoftWindowsKernelRegistryGUID,
	"microsoft-windows-dotnetruntime":       MicrosoftWindowsDotNETRuntimeGUID,
	"system-process":                        SystemProcessProviderGUID,
	"system-scheduler":                      SystemSchedulerProviderGUID,
	"system-interrupt":                      SystemInterruptProviderGUID,
	"system-memory":                         SystemMemoryProviderGUID,
	"system-io":                             SystemIoProviderGUID,
	"system-registry":                       SystemRegistryProviderGUID,
}

// Lookup returns the GUID of a well-known provider by name, ignoring case.
func Lookup(name string) (guid.GUID, bool) {
	g, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return g, ok
}

// Resolve parses s as a GUID, braces optional. When s is empty the provider
// is looked up by name instead.
func Resolve(s, name string) (guid.GUID, error) {
	if s == "" {
		if g, ok := Lookup(name); ok {
			return g, nil
		}
		return guid.GUID{}, &UnknownProviderError{Name: name}
	}
	return guid.FromString(strings.Trim(s, "{}"))
}

// UnknownProviderError is returned by Resolve for a provider that has no GUID
// and is not well known.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q and no guid given", e.Name)
}
