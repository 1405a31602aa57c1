package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf      bytes.Buffer
	writeErr error
	closeErr error
	closed   bool
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type recorder struct {
	writer      *fakeWriter
	bucket      string
	object      string
	contentType string
}

func (r *recorder) open(_ context.Context, bucket, object, contentType string) io.WriteCloser {
	r.bucket, r.object, r.contentType = bucket, object, contentType
	return r.writer
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObjectWritesUnderPrefix(t *testing.T) {
	t.Parallel()

	rec := &recorder{writer: &fakeWriter{}}
	s := newBlobStore(Config{Bucket: "archive", Prefix: "/sitemaps/"}, rec.open)

	uri, err := s.PutObject(context.Background(), "site-a/src-a/abc.xml", "application/xml", []byte("<urlset/>"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/sitemaps/site-a/src-a/abc.xml", uri)
	require.Equal(t, "archive", rec.bucket)
	require.Equal(t, "sitemaps/site-a/src-a/abc.xml", rec.object)
	require.Equal(t, "application/xml", rec.contentType)
	require.Equal(t, "<urlset/>", rec.writer.buf.String())
	require.True(t, rec.writer.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	s := newBlobStore(Config{Bucket: "archive"}, (&recorder{writer: &fakeWriter{}}).open)
	_, err := s.PutObject(context.Background(), "  ", "", nil)
	require.Error(t, err)

	failing := &recorder{writer: &fakeWriter{writeErr: errors.New("reset")}}
	s = newBlobStore(Config{Bucket: "archive"}, failing.open)
	_, err = s.PutObject(context.Background(), "a.xml", "", []byte("x"))
	require.ErrorContains(t, err, "copy object")
	require.True(t, failing.writer.closed)

	closing := &recorder{writer: &fakeWriter{closeErr: errors.New("precondition failed")}}
	s = newBlobStore(Config{Bucket: "archive"}, closing.open)
	_, err = s.PutObject(context.Background(), "a.xml", "", []byte("x"))
	require.ErrorContains(t, err, "close writer")
}
