package coedit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// The binary office document lives in an s3 compatible bucket. The engine
// only ever reads and rewrites whole objects; per-operation durability is
// the coordination store's job.

type ObjectStore interface {
	// ErrDocumentNotFound when no object exists under key
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// External codec for the editor's binary document format. Decode produces
// the editor's exchange format (sfdt), Encode the reverse. The engine never
// looks inside either representation.
type DocumentCodec interface {
	Decode(data []byte) (json.RawMessage, error)
	Encode(sfdt json.RawMessage) ([]byte, error)
}

// object key for a document id. Identity is the opaque document id, never a
// file name.
func DocumentObjectKey(doc string) string {
	return fmt.Sprintf("documents/%s", doc)
}

type MinioObjectStore struct {
	client *minio.Client
	bucket string
}

func NewMinioObjectStore(config *ObjectStoreConfig) (*MinioObjectStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseTls,
		Region: config.Region,
	})
	if err != nil {
		return nil, err
	}
	return &MinioObjectStore{
		client: client,
		bucket: config.Bucket,
	}, nil
}

func (self *MinioObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := self.client.GetObject(ctx, self.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		response := minio.ToErrorResponse(err)
		if response.Code == "NoSuchKey" || response.Code == "NoSuchBucket" {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return data, nil
}

func (self *MinioObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := self.client.PutObject(
		ctx,
		self.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	return err
}

// in-process object store for tests and development
type MemoryObjectStore struct {
	stateLock sync.Mutex
	objects   map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects: map[string][]byte{},
	}
}

func (self *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	data, ok := self.objects[key]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (self *MemoryObjectStore) Put(ctx context.Context, key string, data []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	self.objects[key] = stored
	return nil
}

// codec for deployments whose binary format already is the exchange format
type PassthroughCodec struct {
}

func NewPassthroughCodec() *PassthroughCodec {
	return &PassthroughCodec{}
}

func (self *PassthroughCodec) Decode(data []byte) (json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("document is not valid json")
	}
	return json.RawMessage(data), nil
}

func (self *PassthroughCodec) Encode(sfdt json.RawMessage) ([]byte, error) {
	if !json.Valid(sfdt) {
		return nil, fmt.Errorf("sfdt is not valid json")
	}
	return []byte(sfdt), nil
}
