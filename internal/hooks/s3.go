package hooks

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
)

// S3Config holds the default AWS credentials used when a payload carries none.
type S3Config struct {
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint overrides the S3 endpoint (e.g. MinIO). Path-style addressing
	// is used when set.
	Endpoint string
}

// S3Adapter uploads the payload data to a bucket.
type S3Adapter struct {
	cfg S3Config
	now func() time.Time
}

// NewS3Adapter creates an S3Adapter.
func NewS3Adapter(cfg S3Config) *S3Adapter {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Adapter{cfg: cfg, now: time.Now}
}

func (a *S3Adapter) Execute(ctx context.Context, run *queue.Run) (bool, error) {
	ctx, span := otel.Tracer("hooks").Start(ctx, "hook.s3")
	defer span.End()

	var p queue.S3RequestPayload
	if err := run.Decode(&p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, err
	}
	if p.Bucket == "" || p.Filename == "" {
		err := fmt.Errorf("%w 'bucket' or 'filename'", errMissingField)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing field")
		return false, err
	}

	when := a.now()
	if p.When != nil {
		when = *p.When
	}
	key := objectKey(p.Folder, expandFilename(p.Filename, when))
	span.SetAttributes(
		attribute.String("s3.bucket", p.Bucket),
		attribute.String("s3.key", key),
	)

	sess, err := a.session(p)
	if err != nil {
		return false, fmt.Errorf("aws session: %w", err)
	}
	_, err = s3manager.NewUploader(sess).UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(dataBytes(p.Data)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return false, fmt.Errorf("s3 upload %s/%s: %w", p.Bucket, key, err)
	}

	_ = run.Log(ctx, domain.LogInfo, fmt.Sprintf("data written to bucket %s at %s", p.Bucket, key))
	return true, nil
}

func (a *S3Adapter) session(p queue.S3RequestPayload) (*session.Session, error) {
	key, secret := p.AccessKey, p.SecretKey
	if key == "" && secret == "" {
		key, secret = a.cfg.AccessKey, a.cfg.SecretKey
	}
	cfg := &aws.Config{Region: aws.String(a.cfg.Region)}
	if key != "" || secret != "" {
		cfg.Credentials = credentials.NewStaticCredentials(key, secret, "")
	}
	if a.cfg.Endpoint != "" {
		cfg.Endpoint = aws.String(a.cfg.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	return session.NewSession(cfg)
}

func objectKey(folder, filename string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return filename
	}
	return folder + "/" + filename
}
