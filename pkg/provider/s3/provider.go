package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/jobtail/pkg/provider"
)

// Provider is a provider.Provider over one bucket.
type Provider struct {
	client   *s3.Client
	bucket   string
	pageSize int
}

var _ provider.Provider = (*Provider)(nil)

// New validates cfg and builds the S3 client. No request is made.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions(cfg)...)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
	})

	return &Provider{
		client:   client,
		bucket:   cfg.Bucket,
		pageSize: pageSize(cfg.MaxKeys, maxPageSize),
	}, nil
}

func loadOptions(cfg Config) []func(*config.LoadOptions) error {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	return opts
}

// resolveRegion keeps whatever the SDK chain resolved. Only AWS endpoints
// fall back to DefaultRegion.
func resolveRegion(endpoint, resolved string) string {
	if resolved == "" && endpoint == "" {
		return DefaultRegion
	}
	return resolved
}

// pageSize applies fallback to non-positive requests and caps at the S3 limit.
func pageSize(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	return min(requested, maxPageSize)
}

// Bucket returns the bucket name.
func (p *Provider) Bucket() string { return p.bucket }

func (p *Provider) Close() error { return nil }

// PutObject uploads body in a single request; archive objects are small.
// Keys ending in .json or .log get a matching content type.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	if key == "" {
		return p.wrapError("PutObject", key, provider.ErrInvalidKey)
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
		ContentType:   contentTypeFor(key),
	})
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         unquoteETag(aws.ToString(out.ETag)),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		MaxKeys: aws.Int32(int32(pageSize(opts.MaxKeys, p.pageSize))),
	}
	if opts.Prefix != "" {
		in.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := p.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	res := &provider.ListResult{
		Objects:           make([]provider.ObjectSummary, 0, len(out.Contents)),
		IsTruncated:       aws.ToBool(out.IsTruncated),
		ContinuationToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		res.Objects = append(res.Objects, provider.ObjectSummary{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         unquoteETag(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return res, nil
}

// DeleteObject removes key. S3 reports success for missing keys.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// errorCodes maps S3 API error codes to provider sentinels.
var errorCodes = map[string]error{
	"NoSuchKey":             provider.ErrNotFound,
	"NotFound":              provider.ErrNotFound,
	"NoSuchBucket":          provider.ErrBucketNotFound,
	"AccessDenied":          provider.ErrAccessDenied,
	"Forbidden":             provider.ErrAccessDenied,
	"InvalidAccessKeyId":    provider.ErrInvalidCredentials,
	"SignatureDoesNotMatch": provider.ErrInvalidCredentials,
	"SlowDown":              provider.ErrThrottled,
	"Throttling":            provider.ErrThrottled,
	"RequestLimitExceeded":  provider.ErrThrottled,
	"ServiceUnavailable":    provider.ErrProviderUnavailable,
	"InternalError":         provider.ErrProviderUnavailable,
}

// messageHints classify errors that carry no API code (transport-level
// failures with only a status in the message). Checked in order.
var messageHints = []struct {
	needles  []string
	sentinel error
}{
	{[]string{"NoSuchBucket"}, provider.ErrBucketNotFound},
	{[]string{"NoSuchKey", "NotFound", "StatusCode: 404"}, provider.ErrNotFound},
	{[]string{"AccessDenied", "Forbidden", "StatusCode: 403"}, provider.ErrAccessDenied},
	{[]string{"InvalidAccessKeyId", "SignatureDoesNotMatch"}, provider.ErrInvalidCredentials},
	{[]string{"SlowDown", "Throttling", "StatusCode: 429"}, provider.ErrThrottled},
	{[]string{"ServiceUnavailable", "StatusCode: 503"}, provider.ErrProviderUnavailable},
}

// wrapError returns a *provider.ProviderError whose Err is a provider
// sentinel when the failure is recognized, or err itself otherwise.
func (p *Provider) wrapError(op, key string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   p.bucket,
		Key:      key,
		Err:      classify(err),
	}
}

func classify(err error) error {
	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
		apiErr       smithy.APIError
	)
	switch {
	case errors.Is(err, provider.ErrInvalidKey):
		return err
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	case errors.As(err, &apiErr):
		if sentinel, ok := errorCodes[apiErr.ErrorCode()]; ok {
			return sentinel
		}
		return err
	}

	msg := err.Error()
	for _, h := range messageHints {
		for _, n := range h.needles {
			if strings.Contains(msg, n) {
				return h.sentinel
			}
		}
	}
	return err
}

func contentTypeFor(key string) *string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return aws.String("application/json")
	case strings.HasSuffix(key, ".log"), strings.HasSuffix(key, ".txt"):
		return aws.String("text/plain; charset=utf-8")
	}
	return nil
}

// unquoteETag strips the quotes S3 puts around ETags.
func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}
