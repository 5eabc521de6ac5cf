// Package sink stores oversized payloads in object storage when the
// platform's own upload path rejects them.
package sink

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/transfer"
)

// minPartSize is the smallest part S3 accepts for all but the last part.
const minPartSize = 5 << 20

// Config selects the bucket and endpoint.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	PartSize  int64
}

// s3API is the subset of *s3.Client the uploader uses.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Notifier tells the user where the payload was stored.
type Notifier interface {
	SendText(ctx context.Context, userID int64, text string) error
}

// S3Uploader implements transfer.ChunkedUploader on S3 multipart uploads.
type S3Uploader struct {
	client   s3API
	bucket   string
	partSize int64
	notify   Notifier
	log      logging.Logger
	now      func() time.Time
}

var _ transfer.ChunkedUploader = (*S3Uploader)(nil)

// NewS3 builds an uploader from the default AWS credential chain.
func NewS3(ctx context.Context, cfg Config, notify Notifier, log logging.Logger) (*S3Uploader, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newUploader(client, cfg, notify, log), nil
}

func newUploader(client s3API, cfg Config, notify Notifier, log logging.Logger) *S3Uploader {
	if log == nil {
		log = logging.NewNop()
	}
	part := cfg.PartSize
	if part < minPartSize {
		part = minPartSize
	}
	return &S3Uploader{
		client:   client,
		bucket:   cfg.Bucket,
		partSize: part,
		notify:   notify,
		log:      log,
		now:      time.Now,
	}
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// UploadChunked stores path under a per-user key. The thumbnail, if any, is
// written next to it with a ".thumb.jpg" suffix.
func (u *S3Uploader) UploadChunked(ctx context.Context, userID int64, path string, meta transfer.Metadata, progress transfer.ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat payload: %w", err)
	}

	key := u.objectKey(userID, path, meta)
	if err := u.multipart(ctx, key, f, info.Size(), meta, progress); err != nil {
		return err
	}
	if meta.Thumbnail != "" {
		if err := u.putThumbnail(ctx, key+".thumb.jpg", meta.Thumbnail); err != nil {
			u.log.Warn("thumbnail not stored", logging.String("key", key), logging.Err(err))
		}
	}

	location := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	u.log.Info("payload stored in object storage",
		logging.Int64("user_id", userID),
		logging.String("location", location),
		logging.Int64("bytes", info.Size()),
	)
	if u.notify != nil {
		if err := u.notify.SendText(ctx, userID, "File stored at "+location); err != nil {
			u.log.Debug("storage notice not delivered", logging.Int64("user_id", userID), logging.Err(err))
		}
	}
	return nil
}

func (u *S3Uploader) multipart(ctx context.Context, key string, f *os.File, size int64, meta transfer.Metadata, progress transfer.ProgressFunc) error {
	created, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(f.Name(), meta)),
		Metadata:    objectMetadata(meta),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	var (
		parts []types.CompletedPart
		done  int64
	)
	for offset, n := int64(0), int32(1); offset < size || n == 1; offset, n = offset+u.partSize, n+1 {
		length := u.partSize
		if offset+length > size {
			length = size - offset
		}
		out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(f, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			u.abort(key, uploadID)
			return fmt.Errorf("upload part %d: %w", n, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
		done += length
		if progress != nil {
			progress(done, size)
		}
	}

	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		u.abort(key, uploadID)
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// abort runs on a fresh context so a cancelled transfer still releases the
// stored parts.
func (u *S3Uploader) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		u.log.Warn("abort multipart upload", logging.String("key", key), logging.Err(err))
	}
}

func (u *S3Uploader) putThumbnail(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return fmt.Errorf("put thumbnail: %w", err)
	}
	return nil
}

func (u *S3Uploader) objectKey(userID int64, path string, meta transfer.Metadata) string {
	name := meta.FileName
	if name == "" {
		name = filepath.Base(path)
	}
	return fmt.Sprintf("%d/%s-%s", userID, u.now().UTC().Format("20060102T150405"), sanitizeKey(name))
}

func sanitizeKey(name string) string {
	name = filepath.Base(filepath.Clean(name))
	name = strings.ReplaceAll(name, " ", "_")
	if name == "." || name == string(filepath.Separator) {
		return "payload"
	}
	return name
}

func contentType(path string, meta transfer.Metadata) string {
	if meta.MimeType != "" {
		return meta.MimeType
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func objectMetadata(meta transfer.Metadata) map[string]string {
	md := map[string]string{"class": string(meta.Class)}
	if meta.Caption != "" {
		md["caption"] = url.QueryEscape(meta.Caption)
	}
	if meta.Duration > 0 {
		md["duration"] = strconv.Itoa(meta.Duration)
	}
	if meta.Width > 0 {
		md["width"] = strconv.Itoa(meta.Width)
	}
	if meta.Height > 0 {
		md["height"] = strconv.Itoa(meta.Height)
	}
	return md
}
