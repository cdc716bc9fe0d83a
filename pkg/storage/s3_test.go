package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEvidenceFileType(t *testing.T) {
	assert.True(t, ValidateEvidenceFileType("image/png", "shot.png"))
	assert.True(t, ValidateEvidenceFileType("", "clip.webm"))
	assert.True(t, ValidateEvidenceFileType("video/mp4", "noext"))
	assert.False(t, ValidateEvidenceFileType("application/x-sh", "payload.sh"))
	assert.False(t, ValidateEvidenceFileType("", ""))
}

func TestContentTypeForFilename(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeForFilename("SHOT.JPEG"))
	assert.Equal(t, "application/octet-stream", ContentTypeForFilename("unknown.bin"))
}

func TestEvidenceKeyStripsPathTraversal(t *testing.T) {
	assert.Equal(t, "evidence/r1/shot.png", EvidenceKey("r1", "shot.png"))
	assert.Equal(t, "evidence/r1/passwd.png", EvidenceKey("r1", "../../etc/passwd.png"))
}
