package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is a mock implementation of S3Client for testing
type MockS3Client struct {
	mu sync.Mutex
	// Objects stores mock S3 objects with their content and metadata
	Objects map[string]*MockS3Object
	// Buckets stores the list of buckets
	Buckets map[string]bool
	// Err to return from all operations
	Err error
	// Track function calls
	HeadBucketCalled   bool
	PutObjectCalled    bool
	CreateBucketCalled bool
	GetObjectCalled    bool
	DeleteObjectCalled bool
	PutObjectCalls     int
	// Store last call parameters
	LastBucket    string
	LastObjectKey string
	LastMetadata  map[string]string
}

// MockS3Object represents a mock S3 object with content and metadata
type MockS3Object struct {
	Key      string
	Content  []byte
	Metadata map[string]string
}

// NewMockS3Client creates a new mock S3 client
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks checking bucket existence
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadBucketCalled = true
	m.LastBucket = aws.ToString(params.Bucket)
	if m.Err != nil {
		return nil, m.Err
	}
	if !m.Buckets[m.LastBucket] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

// CreateBucket mocks bucket creation
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateBucketCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	m.Buckets[aws.ToString(params.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks an object upload
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalled = true
	m.PutObjectCalls++
	m.LastBucket = aws.ToString(params.Bucket)
	m.LastObjectKey = aws.ToString(params.Key)
	m.LastMetadata = params.Metadata
	if m.Err != nil {
		return nil, m.Err
	}
	content, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[m.LastObjectKey] = &MockS3Object{
		Key:      m.LastObjectKey,
		Content:  content,
		Metadata: params.Metadata,
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"mock-etag"`)}, nil
}

// GetObject mocks an object download
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Content)),
		ContentLength: aws.Int64(int64(len(obj.Content))),
		Metadata:      obj.Metadata,
	}, nil
}

// HeadObject mocks an object existence check
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Content))),
		Metadata:      obj.Metadata,
	}, nil
}

// DeleteObject mocks an object delete
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	delete(m.Objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 mocks a prefix listing
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	prefix := aws.ToString(params.Prefix)
	var contents []types.Object
	for key, obj := range m.Objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{
				Key:  aws.String(key),
				Size: aws.Int64(int64(len(obj.Content))),
			})
		}
	}
	truncated := false
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: &truncated,
	}, nil
}

// MockS3Presigner returns deterministic URLs for testing
type MockS3Presigner struct {
	BaseURL string
}

// PresignGetObject mocks URL signing
func (m *MockS3Presigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	base := m.BaseURL
	if base == "" {
		base = "https://mock-s3.local"
	}
	return &v4.PresignedHTTPRequest{
		URL:    base + "/" + aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key) + "?X-Amz-Expires=" + time.Now().Format("150405"),
		Method: "GET",
	}, nil
}

// MockS3Uploader delegates to the mock client's PutObject
type MockS3Uploader struct {
	Client *MockS3Client
}

// Upload mocks a managed multipart upload
func (m *MockS3Uploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	_, err := m.Client.PutObject(ctx, input)
	if err != nil {
		return nil, err
	}
	return &manager.UploadOutput{}, nil
}
