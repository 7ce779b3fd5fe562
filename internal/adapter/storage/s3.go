package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
)

// S3Store keeps objects in an S3 bucket, including S3-compatible services
// (MinIO, Tigris) via a custom endpoint with path-style addressing. Every
// write carries AES256 server-side encryption.
type S3Store struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	region     string
	endpoint   string
	pathStyle  bool
	presignTTL time.Duration
}

// NewS3Store builds the backend from the storage configuration. Static
// credentials take precedence; otherwise the default AWS chain applies.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("op=storage.s3: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})

	ttl := cfg.S3PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.S3Bucket,
		region:     cfg.S3Region,
		endpoint:   cfg.S3Endpoint,
		pathStyle:  cfg.S3ForcePathStyle,
		presignTTL: ttl,
	}, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func (s *S3Store) publicURL(key string) string {
	if s.endpoint != "" {
		base := strings.TrimSuffix(s.endpoint, "/")
		if !s.pathStyle {
			if u, err := url.Parse(base); err == nil && u.Host != "" {
				u.Host = s.bucket + "." + u.Host
				u.Path = "/" + key
				return u.String()
			}
		}
		return fmt.Sprintf("%s/%s/%s", base, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// Upload puts the object with server-side encryption. Private objects
// return a nil URL; callers reach them through SignedURL.
func (s *S3Store) Upload(ctx domain.Context, data []byte, key string, opts domain.UploadOptions) (domain.StoredObject, error) {
	const op = "op=storage.upload"
	if err := validateKey(key); err != nil {
		return domain.StoredObject{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(data) == 0 {
		return domain.StoredObject{}, fmt.Errorf("%s: %w", op,
			domain.E(domain.CodeFileInvalid, "refusing empty upload for %s", key))
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		Metadata:             opts.Metadata,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return domain.StoredObject{}, providerErr(op, err)
	}

	obj := domain.StoredObject{Provider: "s3", Key: key, Size: int64(len(data))}
	if opts.Public {
		u := s.publicURL(key)
		obj.URL = &u
	}
	return obj, nil
}

// Download returns the object bytes.
func (s *S3Store) Download(ctx domain.Context, key string) ([]byte, error) {
	const op = "op=storage.download"
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, notFoundErr(op, key)
		}
		return nil, providerErr(op, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, providerErr(op, err)
	}
	return data, nil
}

// Delete removes the object and reports whether it existed. DeleteObject
// alone cannot tell, so presence is checked first.
func (s *S3Store) Delete(ctx domain.Context, key string) (bool, error) {
	const op = "op=storage.delete"
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, providerErr(op, err)
	}
	return true, nil
}

// Exists reports whether the object is present.
func (s *S3Store) Exists(ctx domain.Context, key string) (bool, error) {
	const op = "op=storage.exists"
	if err := validateKey(key); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, providerErr(op, err)
	}
	return true, nil
}

// Metadata describes the object from a HEAD request.
func (s *S3Store) Metadata(ctx domain.Context, key string) (domain.ObjectMetadata, error) {
	const op = "op=storage.metadata"
	if err := validateKey(key); err != nil {
		return domain.ObjectMetadata{}, fmt.Errorf("%s: %w", op, err)
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.ObjectMetadata{}, notFoundErr(op, key)
		}
		return domain.ObjectMetadata{}, providerErr(op, err)
	}
	return domain.ObjectMetadata{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// SignedURL returns a presigned GET for the object.
func (s *S3Store) SignedURL(ctx domain.Context, key string, ttl time.Duration) (string, error) {
	const op = "op=storage.signed_url"
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if ttl <= 0 {
		ttl = s.presignTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", providerErr(op, err)
	}
	return req.URL, nil
}

// List returns one page of keys under the prefix.
func (s *S3Store) List(ctx domain.Context, prefix string, opts domain.ListOptions) (domain.ObjectListing, error) {
	const op = "op=storage.list"
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if opts.Token != "" {
		in.ContinuationToken = aws.String(opts.Token)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return domain.ObjectListing{}, providerErr(op, err)
	}
	listing := domain.ObjectListing{NextToken: aws.ToString(out.NextContinuationToken)}
	for _, obj := range out.Contents {
		listing.Objects = append(listing.Objects, domain.ObjectMetadata{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return listing, nil
}

// Copy duplicates src to dst inside the bucket.
func (s *S3Store) Copy(ctx domain.Context, src, dst string) error {
	const op = "op=storage.copy"
	if err := validateKey(src); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := validateKey(dst); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(dst),
		CopySource:           aws.String(url.PathEscape(s.bucket + "/" + src)),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		if isNotFound(err) {
			return notFoundErr(op, src)
		}
		return providerErr(op, err)
	}
	return nil
}

// Move copies src to dst and removes src.
func (s *S3Store) Move(ctx domain.Context, src, dst string) error {
	const op = "op=storage.move"
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return providerErr(op, err)
	}
	return nil
}
