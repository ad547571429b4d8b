package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Remote is an opened attachment body.
type Remote struct {
	Body        io.ReadCloser
	ContentType string
	// Size is -1 when the source does not report a length.
	Size int64
}

// Source opens attachment bodies for one URL scheme.
type Source interface {
	Open(ctx context.Context, rawURL string) (*Remote, error)
}

// HTTPDoer is satisfied by *http.Client and the platform client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource fetches http(s) attachments.
type HTTPSource struct {
	Client HTTPDoer
}

func (s HTTPSource) Open(ctx context.Context, rawURL string) (*Remote, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch media: http %d", resp.StatusCode)
	}
	return &Remote{Body: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}, nil
}

// S3Config points the stager at an S3 compatible bucket host.
// Endpoint is only needed for MinIO and similar.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	DisableSSL      bool
}

func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Region) != "" || strings.TrimSpace(c.Endpoint) != ""
}

// S3Source reads s3://bucket/key attachments and presigns them for
// platforms that pull media by URL.
type S3Source struct {
	api s3iface.S3API
}

func NewS3Source(cfg S3Config) (*S3Source, error) {
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
		if cfg.DisableSSL {
			awsConfig.DisableSSL = aws.Bool(true)
		}
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &S3Source{api: s3.New(sess)}, nil
}

// NewS3SourceWithAPI wraps an existing client (tests, shared sessions).
func NewS3SourceWithAPI(api s3iface.S3API) *S3Source {
	return &S3Source{api: api}
}

func (s *S3Source) Open(ctx context.Context, rawURL string) (*Remote, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch media from s3: %w", err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Remote{Body: out.Body, ContentType: aws.StringValue(out.ContentType), Size: size}, nil
}

// Presign returns a time-limited https URL for an s3:// attachment.
func (s *S3Source) Presign(rawURL string, ttl time.Duration) (string, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return "", err
	}
	req, _ := s.api.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	u, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("presign s3 media: %w", err)
	}
	return u, nil
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.New("s3 url must be s3://bucket/key")
	}
	return bucket, key, nil
}

func scheme(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return strings.ToLower(raw[:i])
	}
	return ""
}
