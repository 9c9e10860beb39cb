package objectstore

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Bucket: "outputs", AccessKey: "a", SecretKey: "b"}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(Config{Endpoint: "localhost:9000", Bucket: "outputs"}, zerolog.Nop())
	require.Error(t, err)

	svc, err := New(Config{Endpoint: "localhost:9000", Bucket: "outputs", AccessKey: "a", SecretKey: "b"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "outputs", svc.bucket)
}

func TestContentTypeAndReference(t *testing.T) {
	require.Equal(t, "text/plain; charset=utf-8", ContentType(nil))
	require.Equal(t, "text/plain; charset=utf-8", ContentType([]byte("42\n")))
	require.Equal(t, "image/png", ContentType([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")))
	require.Equal(t, "s3://outputs/judgetasks/7/output", Reference("outputs", "/judgetasks/7/output/"))
}
