package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"gitlab.com/tozd/go/errors"
)

// objectWriter buffers up to one part and uploads it on Close. Larger
// writes switch to a streamed multipart upload fed through a pipe.
type objectWriter struct {
	ctx      context.Context
	client   *minio.Client
	bucket   string
	key      string
	partSize int

	buf    bytes.Buffer
	pw     *io.PipeWriter
	done   chan error
	closed bool
}

func newObjectWriter(ctx context.Context, c *minio.Client, bucket, key string, partSize int) *objectWriter {
	return &objectWriter{ctx: ctx, client: c, bucket: bucket, key: key, partSize: partSize}
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.pw == nil && w.buf.Len()+len(p) <= w.partSize {
		return w.buf.Write(p)
	}
	if w.pw == nil {
		w.stream()
		if _, err := w.pw.Write(w.buf.Bytes()); err != nil {
			return 0, err
		}
		w.buf = bytes.Buffer{}
	}
	return w.pw.Write(p)
}

func (w *objectWriter) stream() {
	pr, pw := io.Pipe()
	w.pw = pw
	w.done = make(chan error, 1)
	go func() {
		_, err := w.client.PutObject(w.ctx, w.bucket, w.key, pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			PartSize:    uint64(w.partSize),
		})
		pr.CloseWithError(err)
		w.done <- translate(err)
	}()
}

func (w *objectWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.pw != nil {
		w.pw.Close()
		return <-w.done
	}
	_, err := w.client.PutObject(w.ctx, w.bucket, w.key, bytes.NewReader(w.buf.Bytes()), int64(w.buf.Len()),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return errors.Errorf("put %s/%s: %w", w.bucket, w.key, translate(err))
	}
	return nil
}

// abort drops the upload without committing it.
func (w *objectWriter) abort(cause error) {
	if w.closed {
		return
	}
	w.closed = true
	if w.pw != nil {
		w.pw.CloseWithError(cause)
		<-w.done
	}
}
