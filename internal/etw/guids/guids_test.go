package guids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		guid     string
		provider string
		want     string
		wantErr  bool
	}{
		{"braced guid", "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}", "", "22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716", false},
		{"bare guid", "edd08927-9cc4-4e65-b970-c2560fb5c289", "ignored", "edd08927-9cc4-4e65-b970-c2560fb5c289", false},
		{"by name", "", "Microsoft-Windows-Kernel-Process", "22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716", false},
		{"by system name", "", " system-io ", "3d5c43e3-0f1c-4202-b817-174c0070dc79", false},
		{"unknown name", "", "Contoso-Widget", "", true},
		{"bad guid", "not-a-guid", "Microsoft-Windows-Kernel-Process", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Resolve(tt.guid, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.String())
		})
	}
}

func TestUnknownProviderError(t *testing.T) {
	_, err := Resolve("", "Contoso-Widget")
	var unknown *UnknownProviderError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "Contoso-Widget", unknown.Name)
}
