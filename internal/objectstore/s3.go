package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"logferry/internal/failure"
	"logferry/internal/task"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3 struct {
	client    S3API
	matchETag bool
}

func NewS3(client S3API, matchETag bool) *S3 {
	return &S3{client: client, matchETag: matchETag}
}

func NewS3FromConfig(ctx context.Context, cfg Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3(client, cfg.MatchETag), nil
}

func (s *S3) Open(ctx context.Context, ref task.ObjectRef, offset int64) (io.ReadCloser, task.ObjectRef, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	if ref.VersionID != "" {
		in.VersionId = aws.String(ref.VersionID)
	} else if s.matchETag && ref.ETag != "" {
		in.IfMatch = aws.String(`"` + strings.Trim(ref.ETag, `"`) + `"`)
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if offset > 0 && isRangeNotSatisfiable(err) {
			return emptyReader{}, ref, nil
		}
		return nil, ref, classify(ref, err)
	}

	meta := ref
	meta.ContentType = aws.ToString(out.ContentType)
	meta.ContentEncoding = aws.ToString(out.ContentEncoding)
	if meta.ETag == "" {
		meta.ETag = strings.Trim(aws.ToString(out.ETag), `"`)
	}
	meta.Size = offset + aws.ToInt64(out.ContentLength)
	if total, ok := totalFromContentRange(aws.ToString(out.ContentRange)); ok {
		meta.Size = total
	}
	return out.Body, meta, nil
}

// totalFromContentRange parses "bytes 100-199/200".
func totalFromContentRange(v string) (int64, bool) {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	return n, err == nil
}

func isRangeNotSatisfiable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusRequestedRangeNotSatisfiable
}

func classify(ref task.ObjectRef, err error) error {
	err = fmt.Errorf("get object %s: %w", ref.ID(), err)

	var nsk *s3types.NoSuchKey
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return failure.Permanent(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NoSuchVersion", "AccessDenied", "InvalidObjectState", "PreconditionFailed":
			return failure.Permanent(err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= 500 {
			return failure.Transient(err)
		}
		if code >= 400 {
			return failure.Permanent(err)
		}
	}
	return failure.Transient(err)
}
