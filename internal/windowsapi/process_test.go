package windowsapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchProcesses(t *testing.T) {
	procs := map[uint32]ProcessInfo{
		4:    {PID: 4, ExeFile: "System"},
		812:  {PID: 812, ExeFile: "svchost.exe"},
		640:  {PID: 640, ExeFile: "svchost.exe"},
		1234: {PID: 1234, ExeFile: "Notepad.EXE"},
	}

	tests := []struct {
		name string
		want []uint32
	}{
		{"notepad.exe", []uint32{1234}},
		{"notepad", []uint32{1234}},
		{"NOTEPAD.exe", []uint32{1234}},
		{"svchost.exe", []uint32{640, 812}},
		{"system", []uint32{4}},
		{"calc.exe", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchProcesses(procs, tt.name))
		})
	}
}
