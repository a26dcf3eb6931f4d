package mediastore

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLimited(t *testing.T) {
	data, err := readLimited(strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	_, err = readLimited(strings.NewReader("123456"), 5)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := New(Config{Endpoint: "localhost:9000", Bucket: "incident-media"})
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultMaxBytes), s.maxBytes)
}

func TestMinioRoundTrip(t *testing.T) {
	endpoint := os.Getenv("TRIAGE_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TRIAGE_TEST_MINIO_ENDPOINT not set")
	}
	s, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TRIAGE_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TRIAGE_TEST_MINIO_SECRET_KEY"),
		Bucket:    os.Getenv("TRIAGE_TEST_MINIO_BUCKET"),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Put(ctx, "tests/hello.txt", []byte("hello"), "text/plain"))
	got, err := s.Get(ctx, "tests/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
