package queue

import (
	"context"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/intakeflow/pkg/compression"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// ObjectMeta is what a store reports alongside an object body.
type ObjectMeta struct {
	ContentType     string
	ContentEncoding string
	Size            int64
	// Decompressed is set when the store already removed the content encoding
	Decompressed bool
}

// ObjectStore fetches and deletes blobs of one scheme. A missing object
// is a client error.
type ObjectStore interface {
	Get(ctx context.Context, obj RemoteObject) (io.ReadCloser, ObjectMeta, error)
	Delete(ctx context.Context, obj RemoteObject) error
}

// Opener dispatches RemoteObjects to the store registered for their scheme
// and decompresses the body.
type Opener struct {
	mu     sync.RWMutex
	stores map[string]ObjectStore
	logger *zap.Logger
}

// NewOpener creates an empty opener.
func NewOpener(logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{stores: make(map[string]ObjectStore), logger: logger}
}

// Register binds store to scheme, replacing any previous binding.
func (o *Opener) Register(scheme string, store ObjectStore) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stores[scheme] = store
}

func (o *Opener) store(scheme string) (ObjectStore, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.stores[scheme]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no object store registered for scheme %q", scheme)
	}
	return s, nil
}

// Open returns the decompressed object body. Magic bytes decide the codec;
// metadata is consulted only when the payload carries none.
func (o *Opener) Open(ctx context.Context, obj RemoteObject) (io.ReadCloser, error) {
	s, err := o.store(obj.Scheme)
	if err != nil {
		return nil, err
	}
	body, meta, err := s.Get(ctx, obj)
	if err != nil {
		return nil, err
	}

	hint := compression.None
	if !meta.Decompressed {
		encoding := meta.ContentEncoding
		if encoding == "" {
			encoding = obj.ContentEncoding
		}
		contentType := meta.ContentType
		if contentType == "" {
			contentType = obj.ContentType
		}
		hint = compression.FromMetadata(contentType, encoding, obj.Key)
	}
	rc, err := compression.NewReader(body, hint)
	if err != nil {
		_ = body.Close()
		return nil, errors.Wrap(err, errors.TypeOf(err), "failed to open object").WithDetail("object", obj.URL())
	}
	o.logger.Debug("opened object", zap.String("object", obj.URL()), zap.Int64("size", meta.Size), zap.String("hint", string(hint)))
	return &objectBody{ReadCloser: rc, raw: body}, nil
}

// Delete removes obj from its store.
func (o *Opener) Delete(ctx context.Context, obj RemoteObject) error {
	s, err := o.store(obj.Scheme)
	if err != nil {
		return err
	}
	return s.Delete(ctx, obj)
}

// objectBody closes both the decoder and the underlying stream.
type objectBody struct {
	io.ReadCloser
	raw io.Closer
}

func (b *objectBody) Close() error {
	err := b.ReadCloser.Close()
	if rerr := b.raw.Close(); err == nil {
		err = rerr
	}
	return err
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store reads objects from Amazon S3 or a compatible endpoint.
type S3Store struct {
	api S3API
}

// NewS3Store wraps an S3 client.
func NewS3Store(api S3API) *S3Store {
	return &S3Store{api: api}
}

// NewS3Client builds an S3 client from the default credential chain.
// A non-empty endpoint targets an S3-compatible service with path-style
// addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3Store) Get(ctx context.Context, obj RemoteObject) (io.ReadCloser, ObjectMeta, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, ObjectMeta{}, errors.Wrap(err, errors.ErrorTypeClient, "object not found").WithDetail("object", obj.URL())
		}
		return nil, ObjectMeta{}, errors.Wrap(err, errors.ErrorTypeTransient, "failed to get object").WithDetail("object", obj.URL())
	}
	return out.Body, ObjectMeta{
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		Size:            aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, obj RemoteObject) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to delete object").WithDetail("object", obj.URL())
	}
	return nil
}

// GCSStore reads objects from Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore wraps a storage client.
func NewGCSStore(client *storage.Client) *GCSStore {
	return &GCSStore{client: client}
}

// NewGCSClient connects with a service account file, or application
// default credentials when the path is empty.
func NewGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create storage client")
	}
	return c, nil
}

func (s *GCSStore) Get(ctx context.Context, obj RemoteObject) (io.ReadCloser, ObjectMeta, error) {
	r, err := s.client.Bucket(obj.Bucket).Object(obj.Key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, ObjectMeta{}, errors.Wrap(err, errors.ErrorTypeClient, "object not found").WithDetail("object", obj.URL())
		}
		return nil, ObjectMeta{}, errors.Wrap(err, errors.ErrorTypeTransient, "failed to get object").WithDetail("object", obj.URL())
	}
	return r, ObjectMeta{
		ContentType:     r.Attrs.ContentType,
		ContentEncoding: r.Attrs.ContentEncoding,
		Size:            r.Attrs.Size,
		Decompressed:    r.Attrs.Decompressed,
	}, nil
}

func (s *GCSStore) Delete(ctx context.Context, obj RemoteObject) error {
	if err := s.client.Bucket(obj.Bucket).Object(obj.Key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to delete object").WithDetail("object", obj.URL())
	}
	return nil
}

// AzureBlobStore reads blobs from one Azure storage account.
type AzureBlobStore struct {
	client *azblob.Client
}

// NewAzureBlobStore wraps a blob client.
func NewAzureBlobStore(client *azblob.Client) *AzureBlobStore {
	return &AzureBlobStore{client: client}
}

// NewAzureBlobClient connects with a connection string, or anonymously to
// serviceURL (which may carry a SAS token) when the string is empty.
func NewAzureBlobClient(connectionString, serviceURL string) (*azblob.Client, error) {
	var (
		c   *azblob.Client
		err error
	)
	if connectionString != "" {
		c, err = azblob.NewClientFromConnectionString(connectionString, nil)
	} else {
		c, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid azure blob configuration")
	}
	return c, nil
}

func (s *AzureBlobStore) Get(ctx context.Context, obj RemoteObject) (io.ReadCloser, ObjectMeta, error) {
	resp, err := s.client.DownloadStream(ctx, obj.Bucket, obj.Key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, ObjectMeta{}, errors.Wrap(err, errors.ErrorTypeClient, "blob not found").WithDetail("object", obj.URL())
		}
		return nil, ObjectMeta{}, errors.Wrap(err, errors.ErrorTypeTransient, "failed to download blob").WithDetail("object", obj.URL())
	}
	meta := ObjectMeta{
		ContentType:     deref(resp.ContentType),
		ContentEncoding: deref(resp.ContentEncoding),
	}
	if resp.ContentLength != nil {
		meta.Size = *resp.ContentLength
	}
	return resp.Body, meta, nil
}

func (s *AzureBlobStore) Delete(ctx context.Context, obj RemoteObject) error {
	if _, err := s.client.DeleteBlob(ctx, obj.Bucket, obj.Key, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to delete blob").WithDetail("object", obj.URL())
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
