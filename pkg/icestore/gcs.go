package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient is the slice of the storage client the uploader needs, so tests
// can swap it for mocks.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
}

type GCSWriter interface {
	io.WriteCloser
}

// NewGCSClientAdapter wraps a real storage client.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	return &gcsClientAdapter{client: client}
}

type gcsClientAdapter struct{ client *storage.Client }

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &bucketHandleAdapter{BucketHandle: a.client.Bucket(name)}
}

type bucketHandleAdapter struct{ *storage.BucketHandle }

func (a *bucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &objectHandleAdapter{ObjectHandle: a.BucketHandle.Object(name)}
}

type objectHandleAdapter struct{ *storage.ObjectHandle }

func (a *objectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	w := a.ObjectHandle.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}

var (
	_ GCSClient       = (*gcsClientAdapter)(nil)
	_ GCSBucketHandle = (*bucketHandleAdapter)(nil)
	_ GCSObjectHandle = (*objectHandleAdapter)(nil)
)
