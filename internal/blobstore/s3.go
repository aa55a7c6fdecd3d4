package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// minioRegion is used when no region is configured; MinIO ignores it.
const minioRegion = "us-east-1"

// S3Backend stores objects in an S3 bucket or a MinIO deployment. Every key
// is placed below the configured path prefix.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend connects to the bucket cfg names. A non-empty cfg.Endpoint
// selects MinIO-style path addressing against that host.
func NewS3Backend(ctx context.Context, cfg *Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = minioRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		static := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(static))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		scheme := "http://"
		if cfg.UseSSL {
			scheme = "https://"
		}
		o.BaseEndpoint = aws.String(scheme + cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.PathPrefix, "/"),
	}, nil
}

func (b *S3Backend) objectKey(p string) string {
	if b.prefix == "" {
		return p
	}
	return b.prefix + "/" + p
}

func (b *S3Backend) relative(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.prefix+"/")
}

func (b *S3Backend) uri(key string) string {
	return "s3://" + b.bucket + "/" + key
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put uploads data under p. Objects are small (logs, XCom values), so the
// body is buffered to compute its size and checksum.
func (b *S3Backend) Put(ctx context.Context, p string, data io.Reader, contentType string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", p, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := b.objectKey(p)
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	}); err != nil {
		return nil, fmt.Errorf("put %s: %w", b.uri(key), err)
	}

	return &ObjectRef{
		Path:        p,
		URI:         b.uri(key),
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    checksum(content),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get opens the object at p. A missing key yields ErrNotFound.
func (b *S3Backend) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key := b.objectKey(p)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("get %s: %w", b.uri(key), err)
	}
	return out.Body, nil
}

// Delete removes the object at p. S3 treats missing keys as deleted.
func (b *S3Backend) Delete(ctx context.Context, p string) error {
	key := b.objectKey(p)
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", b.uri(key), err)
	}
	return nil
}

// List returns every object below prefix, sorted by path.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})

	var refs []*ObjectRef
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", b.uri(b.objectKey(prefix)), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			ref := &ObjectRef{
				Path: b.relative(key),
				URI:  b.uri(key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				ref.CreatedAt = *obj.LastModified
			}
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

var _ Backend = (*S3Backend)(nil)
