package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
		errMsg  string
	}{
		{name: "relative path", path: "data/smsrelay.db"},
		{name: "absolute path", path: "/var/lib/smsrelay/smsrelay.db"},
		{name: "dotted file name", path: "config/relay..json"},
		{name: "empty path", path: "", wantErr: true, errMsg: "cannot be empty"},
		{name: "leading traversal", path: "../../etc/passwd", wantErr: true, errMsg: "directory traversal"},
		{name: "embedded traversal", path: "data/../../etc/passwd", wantErr: true, errMsg: "directory traversal"},
		{name: "nul byte", path: "data/x\x00.db", wantErr: true, errMsg: "NUL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateFilePathWithBase(t *testing.T) {
	base := "/var/lib/smsrelay"

	assert.NoError(t, ValidateFilePathWithBase("smsrelay.db", base))
	assert.NoError(t, ValidateFilePathWithBase("sub/smsrelay.db", base))
	assert.Error(t, ValidateFilePathWithBase("/etc/passwd", base))
	assert.Error(t, ValidateFilePathWithBase("../smsrelay.db", base))
}
