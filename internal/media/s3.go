package media

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"waconnector/internal/config"
	"waconnector/pkg/metrics"
)

const (
	defaultFileName    = "arquivo"
	defaultContentType = "application/octet-stream"
	maxFileNameLen     = 80
)

// Upload is one attachment body to store.
type Upload struct {
	WorkspaceID    string
	ConversationID string
	FileName       string
	ContentType    string
	Body           []byte
}

// Sink stores attachment bodies and returns the storage path recorded on the attachment row.
type Sink interface {
	Upload(ctx context.Context, u Upload) (string, error)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes attachments to an S3 compatible bucket. Object keys are the storage path under
// the configured prefix.
type S3Store struct {
	client putObjectAPI
	bucket string
	prefix string
	newID  func() string
}

func NewS3Store(ctx context.Context, cfg config.MediaConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client putObjectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, newID: uuid.NewString}
}

func (s *S3Store) Upload(ctx context.Context, u Upload) (string, error) {
	contentType := u.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	storagePath := BuildStoragePath(u.WorkspaceID, u.ConversationID, s.newID(), u.FileName, contentType)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(ObjectKey(s.prefix, storagePath)),
		Body:          bytes.NewReader(u.Body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(u.Body))),
	})
	if err != nil {
		metrics.IncMediaUpload("error")
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	metrics.IncMediaUpload("success")
	return storagePath, nil
}

// BuildStoragePath returns "{workspace}/{conversation}/{id}-{name}{ext}". The extension comes from
// the content type and is skipped when the sanitized name already ends with it.
func BuildStoragePath(workspaceID, conversationID, id, fileName, contentType string) string {
	if fileName == "" {
		fileName = defaultFileName
	}
	name := SanitizeFileName(fileName)
	ext := InferExtension(contentType)
	if strings.HasSuffix(name, ext) {
		ext = ""
	}
	return fmt.Sprintf("%s/%s/%s-%s%s", workspaceID, conversationID, id, name, ext)
}

// ObjectKey places storagePath under prefix unless it is already there.
func ObjectKey(prefix, storagePath string) string {
	key := strings.TrimLeft(storagePath, "/")
	if prefix == "" || strings.HasPrefix(key, prefix+"/") {
		return key
	}
	return prefix + "/" + key
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.\-]+`)
	dashRuns    = regexp.MustCompile(`-+`)
)

func SanitizeFileName(name string) string {
	s := norm.NFKD.String(name)
	s = unsafeChars.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxFileNameLen {
		s = s[:maxFileNameLen]
	}
	return s
}

// InferExtension maps "image/jpeg; foo=bar" to ".jpeg".
func InferExtension(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	_, sub, ok := strings.Cut(strings.TrimSpace(base), "/")
	if !ok || sub == "" {
		return ""
	}
	return "." + sub
}
