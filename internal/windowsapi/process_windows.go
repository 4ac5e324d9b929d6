//go:build windows

package windowsapi

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procIsDebuggerPresent = kernel32.NewProc("IsDebuggerPresent")
)

// GetProcessSnapshot iterates through all running processes using the CreateToolhelp32Snapshot API
// and returns a map of PID to ProcessInfo.
func GetProcessSnapshot() (map[uint32]ProcessInfo, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var pe32 windows.ProcessEntry32
	pe32.Size = uint32(unsafe.Sizeof(pe32))
	if err := windows.Process32First(snapshot, &pe32); err != nil {
		return nil, err
	}

	processes := make(map[uint32]ProcessInfo)
	for {
		processes[pe32.ProcessID] = ProcessInfo{
			PID:       pe32.ProcessID,
			ParentPID: pe32.ParentProcessID,
			ExeFile:   windows.UTF16ToString(pe32.ExeFile[:]),
			ImagePath: imagePath(pe32.ProcessID),
		}

		if err := windows.Process32Next(snapshot, &pe32); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return nil, err
		}
	}
	return processes, nil
}

func imagePath(pid uint32) string {
	if pid == 0 {
		return ""
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return windows.UTF16ToString(buf[:size])
}

// IsDebuggerPresent reports whether a user-mode debugger is attached to the
// current process.
func IsDebuggerPresent() bool {
	if procIsDebuggerPresent.Find() != nil {
		return false
	}
	r, _, _ := procIsDebuggerPresent.Call()
	return r != 0
}
