// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"
)

// S3Options configures any S3-compatible object store (AWS, MinIO,
// Backblaze B2, Wasabi, ...).
type S3Options struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region,omitempty"`
	// Optional custom endpoint for non-AWS services.
	Endpoint string `yaml:"endpoint,omitempty"`
	// If empty, the default credential chain (environment, shared
	// config, instance roles) is used.
	AccessKeyID     string `yaml:"accessKeyID,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	UsePathStyle    bool   `yaml:"usePathStyle,omitempty"`
}

type s3Gateway struct {
	options S3Options
	client  *s3.Client
	bw      *bandwidth
	clock   clock.Clock
}

func NewS3(opts Options) (Gateway, error) {
	if opts.S3.Bucket == "" {
		return nil, errors.New("s3: no bucket given")
	}
	return &s3Gateway{
		options: opts.S3,
		bw:      newBandwidth(opts.MaxUploadBytesPerSecond, opts.MaxDownloadBytesPerSecond),
		clock:   opts.clock(),
	}, nil
}

func (sg *s3Gateway) String() string {
	return "s3://" + sg.options.Bucket
}

func (sg *s3Gateway) Initialize(ctx context.Context) error {
	var loadOpts []func(*config.LoadOptions) error
	if sg.options.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(sg.options.Region))
	}
	if sg.options.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sg.options.AccessKeyID,
				sg.options.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return err
	}

	sg.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if sg.options.Endpoint != "" {
			o.BaseEndpoint = aws.String(sg.options.Endpoint)
		}
		o.UsePathStyle = sg.options.UsePathStyle
	})

	_, err = sg.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(sg.options.Bucket),
	})
	return classifyS3("head bucket", sg.options.Bucket, err)
}

func (sg *s3Gateway) Close() error {
	return nil
}

func s3Status(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// s3NotFound reports whether err says the key (or bucket) doesn't exist.
// Some S3-compatible services only send the generic error code.
func s3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) || s3Status(err) == 404 {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func classifyS3(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if status := s3Status(err); status == 429 || status >= 500 {
		return Transient(op, key, err)
	}
	if isNetError(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient(op, key, err)
	}
	return err
}

func (sg *s3Gateway) Upload(ctx context.Context, localPath, remoteKey string) error {
	if err := checkKey(remoteKey); err != nil {
		return err
	}
	return withRetry(ctx, sg.clock, remoteKey, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return err
		}

		// PutObject is all-or-nothing: the key only becomes visible
		// once the whole body has been received.
		_, err = sg.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(sg.options.Bucket),
			Key:           aws.String(remoteKey),
			Body:          sg.bw.uploadReadSeeker(ctx, f),
			ContentLength: aws.Int64(fi.Size()),
			ContentType:   aws.String("application/octet-stream"),
		})
		return classifyS3("upload", remoteKey, err)
	})
}

func (sg *s3Gateway) Download(ctx context.Context, remoteKey, localPath string) error {
	return withRetry(ctx, sg.clock, remoteKey, func() error {
		out, err := sg.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(sg.options.Bucket),
			Key:    aws.String(remoteKey),
		})
		if s3NotFound(err) {
			return ErrNotFound
		} else if err != nil {
			return classifyS3("download", remoteKey, err)
		}
		defer out.Body.Close()

		_, err = writeFileAtomic(ctx, localPath, sg.bw.downloadReader(ctx, out.Body))
		return classifyS3("download", remoteKey, err)
	})
}

func (sg *s3Gateway) Exists(ctx context.Context, remoteKey string) (bool, error) {
	var exists bool
	err := withRetry(ctx, sg.clock, remoteKey, func() error {
		_, err := sg.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(sg.options.Bucket),
			Key:    aws.String(remoteKey),
		})
		switch {
		case err == nil:
			exists = true
			return nil
		case s3NotFound(err):
			exists = false
			return nil
		default:
			return classifyS3("exists", remoteKey, err)
		}
	})
	return exists, err
}

func (sg *s3Gateway) Delete(ctx context.Context, remoteKey string) error {
	return withRetry(ctx, sg.clock, remoteKey, func() error {
		// S3 reports success for keys that don't exist.
		_, err := sg.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(sg.options.Bucket),
			Key:    aws.String(remoteKey),
		})
		return classifyS3("delete", remoteKey, err)
	})
}

func (sg *s3Gateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	p := s3.NewListObjectsV2Paginator(sg.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(sg.options.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:      aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}
