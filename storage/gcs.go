// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"github.com/juju/clock"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSOptions struct {
	BucketName string `yaml:"bucket"`
	ProjectId  string `yaml:"projectID,omitempty"`
	// Optional. Will use "us-central1" if not specified.
	Location string `yaml:"location,omitempty"`
	// Optional. Application default credentials are used if empty.
	CredentialsFile string `yaml:"credentialsFile,omitempty"`
	// Optional storage class for payload objects, e.g. "COLDLINE".
	StorageClass string `yaml:"storageClass,omitempty"`
}

// gcsGateway stores objects in a Google Cloud Storage bucket.
type gcsGateway struct {
	options GCSOptions
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	bw      *bandwidth
	clock   clock.Clock
}

func NewGCS(opts Options) (Gateway, error) {
	if opts.GCS.BucketName == "" {
		return nil, errors.New("gcs: no bucket name given")
	}
	return &gcsGateway{
		options: opts.GCS,
		bw:      newBandwidth(opts.MaxUploadBytesPerSecond, opts.MaxDownloadBytesPerSecond),
		clock:   opts.clock(),
	}, nil
}

func (g *gcsGateway) String() string {
	return "gs://" + g.options.BucketName
}

func (g *gcsGateway) Initialize(ctx context.Context) error {
	var copts []option.ClientOption
	if g.options.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(g.options.CredentialsFile))
	}

	var err error
	g.client, err = gcs.NewClient(ctx, copts...)
	if err != nil {
		return err
	}

	// Create the bucket if it doesn't exist.
	g.bucket = g.client.Bucket(g.options.BucketName)
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := g.options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if g.options.ProjectId == "" {
			return fmt.Errorf("%s: bucket doesn't exist and no project id given", g)
		}
		log.Verbose("%s: creating bucket @ %s", g.options.BucketName, loc)
		return g.bucket.Create(ctx, g.options.ProjectId, &gcs.BucketAttrs{Location: loc})
	} else if err != nil {
		return classifyGCS("attrs", g.options.BucketName, err)
	}
	return nil
}

func (g *gcsGateway) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// classifyGCS marks rate limiting, server-side and network failures as
// transient.
func classifyGCS(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) && (ge.Code == 429 || ge.Code >= 500) {
		return Transient(op, key, err)
	}
	if isNetError(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient(op, key, err)
	}
	return err
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsGateway) Upload(ctx context.Context, localPath, remoteKey string) error {
	if err := checkKey(remoteKey); err != nil {
		return err
	}
	return withRetry(ctx, g.clock, remoteKey, func() error {
		return g.upload(ctx, localPath, remoteKey)
	})
}

// upload first writes to a temporary object and then copies it to its
// final name, so that a failed or cancelled upload never leaves a
// truncated object under remoteKey.
func (g *gcsGateway) upload(ctx context.Context, localPath, remoteKey string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tmpObj := g.bucket.Object(tempName(remoteKey))
	defer tmpObj.Delete(context.Background())

	log.Verbose("%s: starting upload", remoteKey)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024

	crc := crc32.New(castagnoliTable)
	r := io.TeeReader(g.bw.uploadReader(ctx, f), crc)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return classifyGCS("upload", remoteKey, err)
	}
	if err := w.Close(); err != nil {
		return classifyGCS("upload", remoteKey, err)
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is. A mismatch most likely means the data was corrupted
	// on the way, so it's worth another try.
	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		return Transient("upload", remoteKey,
			fmt.Errorf("CRC32 checksum mismatch. Local: %d, GCS: %d", local, remote))
	}

	// Make the final object by copying from the temporary one.
	copier := g.bucket.Object(remoteKey).CopierFrom(tmpObj)
	copier.StorageClass = g.options.StorageClass
	copier.ContentType = "application/octet-stream"
	if _, err := copier.Run(ctx); err != nil {
		return classifyGCS("copy", remoteKey, err)
	}

	log.Verbose("%s: finished upload", remoteKey)
	return nil
}

func (g *gcsGateway) Download(ctx context.Context, remoteKey, localPath string) error {
	return withRetry(ctx, g.clock, remoteKey, func() error {
		r, err := g.bucket.Object(remoteKey).NewReader(ctx)
		if err == gcs.ErrObjectNotExist {
			return ErrNotFound
		} else if err != nil {
			return classifyGCS("download", remoteKey, err)
		}
		defer r.Close()

		_, err = writeFileAtomic(ctx, localPath, g.bw.downloadReader(ctx, r))
		return classifyGCS("download", remoteKey, err)
	})
}

func (g *gcsGateway) Exists(ctx context.Context, remoteKey string) (bool, error) {
	var exists bool
	err := withRetry(ctx, g.clock, remoteKey, func() error {
		_, err := g.bucket.Object(remoteKey).Attrs(ctx)
		switch {
		case err == nil:
			exists = true
			return nil
		case err == gcs.ErrObjectNotExist:
			exists = false
			return nil
		default:
			return classifyGCS("exists", remoteKey, err)
		}
	})
	return exists, err
}

func (g *gcsGateway) Delete(ctx context.Context, remoteKey string) error {
	return withRetry(ctx, g.clock, remoteKey, func() error {
		err := g.bucket.Object(remoteKey).Delete(ctx)
		if err == gcs.ErrObjectNotExist {
			return nil
		}
		return classifyGCS("delete", remoteKey, err)
	})
}

func (g *gcsGateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return infos, nil
		}
		if err != nil {
			return nil, classifyGCS("list", prefix, err)
		}
		infos = append(infos, ObjectInfo{obj.Name, obj.Size, obj.Created})
	}
}
