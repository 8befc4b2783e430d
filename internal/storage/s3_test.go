package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	puts    map[string][]byte
	types   map[string]string
	deleted []string
	err     error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.StringValue(in.Key)] = data
	f.types[aws.StringValue(in.Key)] = aws.StringValue(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestPutReturnsPublicURL(t *testing.T) {
	api := newFakeObjects()
	store := newS3Store(api, Config{Bucket: "attachments", PublicURL: "https://files.example.com/"})

	url, err := store.Put(context.Background(), "ws-1/doc-1/quote signed.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.Equal(t, "https://files.example.com/ws-1/doc-1/quote%20signed.pdf", url)
	require.Equal(t, []byte("%PDF"), api.puts["ws-1/doc-1/quote signed.pdf"])
	require.Equal(t, "application/pdf", api.types["ws-1/doc-1/quote signed.pdf"])
}

func TestURLFallsBackToEndpoint(t *testing.T) {
	store := newS3Store(newFakeObjects(), Config{Bucket: "b", Endpoint: "http://minio:9000/"})
	require.Equal(t, "http://minio:9000/b/k.pdf", store.URL("k.pdf"))

	bare := newS3Store(newFakeObjects(), Config{Bucket: "b"})
	require.Equal(t, "s3://b/k.pdf", bare.URL("/k.pdf"))
}

func TestPutAndDeleteErrors(t *testing.T) {
	api := newFakeObjects()
	store := newS3Store(api, Config{Bucket: "b"})

	_, err := store.Put(context.Background(), "", "text/plain", []byte("x"))
	require.Error(t, err)

	api.err = errors.New("boom")
	_, err = store.Put(context.Background(), "k", "text/plain", []byte("x"))
	require.ErrorContains(t, err, "boom")
	require.ErrorContains(t, store.Delete(context.Background(), "k"), "boom")
}

func TestDelete(t *testing.T) {
	api := newFakeObjects()
	store := newS3Store(api, Config{Bucket: "b"})
	require.NoError(t, store.Delete(context.Background(), "/ws/doc/a.pdf"))
	require.Equal(t, []string{"ws/doc/a.pdf"}, api.deleted)
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(Config{})
	require.Error(t, err)
}
