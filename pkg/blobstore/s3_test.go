package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listBody = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>views</Name>
  <Prefix>root/analytics/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>root/analytics/daily.sql</Key>
    <LastModified>2024-01-01T10:00:00.000Z</LastModified>
    <ETag>"abc"</ETag>
    <Size>8</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <Contents>
    <Key>root/analytics/</Key>
    <LastModified>2024-01-01T09:00:00.000Z</LastModified>
    <ETag>"dir"</ETag>
    <Size>0</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
</ListBucketResult>`

const noSuchKeyBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

func newFakeS3(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/views" || r.URL.Path == "/views/":
			assert.Equal(t, "root/analytics/", r.URL.Query().Get("prefix"))
			w.Header().Set("Content-Type", "application/xml")
			_, _ = fmt.Fprint(w, listBody)
		case r.URL.Path == "/views/root/analytics/daily.sql":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = fmt.Fprint(w, "SELECT 1")
		case strings.HasPrefix(r.URL.Path, "/views/"):
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, noSuchKeyBody)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	srv := newFakeS3(t)

	store, err := NewS3Store(ctx, &S3Config{
		Bucket:          "views",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Prefix:          "/root/",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	objects, err := store.List(ctx, "analytics/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "analytics/daily.sql", objects[0].Name)
	assert.Equal(t, 10, objects[0].Updated.Hour())

	data, err := store.Get(ctx, "analytics/daily.sql")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", string(data))

	_, err = store.Get(ctx, "analytics/missing.sql")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), &S3Config{})
	require.ErrorIs(t, err, ErrBucketRequired)
}
