package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/elax-db/elax/internal/errs"
)

// S3Store backs Store with Amazon S3 (or an S3-compatible endpoint).
// ConditionalPut is emulated with S3's If-Match/If-None-Match preconditions
// where supported; see SPEC_FULL.md for why this dependency is out-of-pack.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3-backed store for the given bucket, optionally
// pointed at a custom endpoint (for S3-compatible services) and region.
func NewS3Store(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Store, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "load aws config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key))})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return nil, errs.Wrap(errs.Unavailable, err, "get object %s", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "read object %s", key)
	}
	return data, nil
}

func (s *S3Store) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	rng := fmt.Sprintf("bytes=%d-%d", start, end-1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key)), Range: aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return nil, errs.Wrap(errs.Unavailable, err, "get range of object %s", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "read range of object %s", key)
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key)), Body: bytes.NewReader(data),
	})
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "put object %s", key)
	}
	return nil
}

func (s *S3Store) ConditionalPut(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	input := &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key)), Body: bytes.NewReader(data)}
	if expectedETag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(expectedETag)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", errs.New(errs.Conflict, "conditional put mismatch for %s", key)
		}
		return "", errs.Wrap(errs.Unavailable, err, "conditional put %s", key)
	}
	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	return etag, nil
}

func isPreconditionFailed(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 412 || respErr.HTTPStatusCode() == 409
	}
	return false
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key))})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, errs.Wrap(errs.NotFound, err, "object %s", key)
		}
		return ObjectInfo{}, errs.Wrap(errs.Unavailable, err, "head object %s", key)
	}
	info := ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	return info, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.fullKey(key))})
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "delete object %s", key)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	var token *string
	full := s.fullKey(prefix)
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket), Prefix: aws.String(full), ContinuationToken: token,
		})
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, err, "list prefix %s", prefix)
		}
		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, strings.TrimSuffix(s.prefix, "/")+"/")
			}
			out = append(out, ObjectInfo{Key: key, Size: aws.ToInt64(obj.Size), ETag: strings.Trim(aws.ToString(obj.ETag), `"`)})
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
