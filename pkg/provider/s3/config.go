// Package s3 stores job archives in AWS S3 or an S3-compatible service.
package s3

// Config selects the archive bucket and how to reach it.
//
// Credentials come from the SDK default chain (environment, shared files,
// instance or task roles) unless Profile or a static key pair is set.
type Config struct {
	Bucket string

	// Region overrides AWS_REGION and the profile region. With no region
	// from any source, AWS endpoints use DefaultRegion; custom endpoints
	// are left without one.
	Region string

	// Endpoint targets an S3-compatible service such as MinIO or Wasabi,
	// e.g. "http://localhost:9000".
	Endpoint string

	Profile string

	// AccessKeyID and SecretAccessKey must be set together.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle addresses the bucket in the URL path. Most
	// S3-compatible services need it.
	ForcePathStyle bool

	// MaxKeys is the List page size. Zero means the S3 maximum.
	MaxKeys int

	// MaxAttempts caps SDK retries per request. Zero keeps the SDK default.
	MaxAttempts int
}

const (
	// DefaultRegion applies to AWS endpoints when nothing else sets a region.
	DefaultRegion = "us-east-1"

	// maxPageSize is the ListObjectsV2 ceiling.
	maxPageSize = 1000
)

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return &ConfigError{Field: "AccessKeyID/SecretAccessKey", Message: "access key ID and secret access key must be set together"}
	}
	return nil
}

// ConfigError is returned by Validate and New for unusable configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
