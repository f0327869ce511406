package s3cache

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewParsesCredentialURL(t *testing.T) {
	cache, err := New(
		"https://s3.example.com/?keyId=AKIA&secretAccessKey=secret&bucketName=zim-cache",
		discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "zim-cache", cache.bucket)
	assert.Equal(t, "s3.example.com", cache.client.EndpointURL().Host)
}

func TestNewRejectsIncompleteURL(t *testing.T) {
	tests := []string{
		"https://s3.example.com/?keyId=AKIA&bucketName=b",
		"https://s3.example.com/?secretAccessKey=s&bucketName=b",
		"https://s3.example.com/?keyId=k&secretAccessKey=s",
	}
	for _, url := range tests {
		_, err := New(url, discardLogger())
		assert.Error(t, err, "url %s", url)
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "medium/img.example.com/a/b.png", Key("img.example.com/a/b.png"))
}
