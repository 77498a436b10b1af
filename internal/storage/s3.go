package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/utils"
)

// Uploader is the part of manager.Uploader the mirror uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Mirror copies finished files to a bucket, keyed by their path relative
// to the output directory.
type S3Mirror struct {
	uploader Uploader
	bucket   string
	prefix   string
	root     string
}

type MirrorOptions struct {
	Bucket  string
	Prefix  string
	Profile string
	Region  string
}

// NewS3Mirror loads the shared AWS config for the profile and region.
func NewS3Mirror(ctx context.Context, root string, opts MirrorOptions) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: mirror needs a bucket", utils.ErrInvalidInput)
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return NewS3MirrorWithUploader(manager.NewUploader(s3.NewFromConfig(cfg)), root, opts.Bucket, opts.Prefix), nil
}

func NewS3MirrorWithUploader(uploader Uploader, root, bucket, prefix string) *S3Mirror {
	return &S3Mirror{uploader: uploader, bucket: bucket, prefix: prefix, root: root}
}

// Key is the object key for a local file.
func (m *S3Mirror) Key(localPath string) string {
	rel, err := filepath.Rel(m.root, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(localPath)
	}
	return path.Join(m.prefix, filepath.ToSlash(rel))
}

func (m *S3Mirror) Store(ctx context.Context, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("error opening file: %v", err)
	}
	defer file.Close()
	key := m.Key(localPath)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("error uploading s3://%s/%s: %v", m.bucket, key, err)
	}
	log.Debug().Str("op", "storage/s3").Msgf("mirrored %s to s3://%s/%s", localPath, m.bucket, key)
	return nil
}
