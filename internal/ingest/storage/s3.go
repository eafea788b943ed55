package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/ubuntu/decorate"
)

// awsEndpoint is used when no endpoint override is configured.
const awsEndpoint = "s3.amazonaws.com"

// S3Config holds the configuration of an S3 compatible backend.
type S3Config struct {
	// Endpoint overrides AWS S3, for instance with a MinIO URL such as http://minio:9000.
	Endpoint string
	Region   string
	Bucket   string

	// AccessKey and SecretKey are static credentials.
	// When both are empty, AWS credentials are read from the environment, the shared credentials file or IAM,
	// unless an endpoint override is set, in which case the MinIO default credentials are used.
	AccessKey string
	SecretKey string

	// CreateBucket creates the bucket at initialization when it is missing.
	CreateBucket bool
}

// S3Backend writes objects to an S3 bucket.
type S3Backend struct {
	client *minio.Client
	bucket string
	region string

	log *slog.Logger
}

// NewS3 connects to the object store described by cfg and checks that its bucket exists.
func NewS3(ctx context.Context, cfg S3Config, args ...Options) (b *S3Backend, err error) {
	defer decorate.OnError(&err, "could not initialize S3 backend")

	if cfg.Bucket == "" {
		cfg.Bucket = constants.DefaultBucket
	}
	if cfg.Region == "" {
		cfg.Region = constants.DefaultRegion
	}

	endpoint, secure := awsEndpoint, true
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
		}
		switch u.Scheme {
		case "http":
			secure = false
		case "https":
		default:
			return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
		}
		endpoint = u.Host
	}

	creds := credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	if cfg.AccessKey == "" && cfg.SecretKey == "" {
		if cfg.Endpoint != "" {
			creds = credentials.NewStaticV4(constants.DefaultMinioCredential, constants.DefaultMinioCredential, "")
		} else {
			creds = credentials.NewChainCredentials([]credentials.Provider{
				&credentials.EnvAWS{},
				&credentials.FileAWSCredentials{},
				&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
			})
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	opts := options{
		log: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	b = &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		log:    opts.log,
	}

	if cfg.CreateBucket {
		if err := b.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return b, nil
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("could not check bucket %q: %v", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}
	return b, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (b *S3Backend) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("could not check bucket %q: %v", b.bucket, err)
	}
	if exists {
		return nil
	}

	b.log.Info("Creating bucket", "bucket", b.bucket, "region", b.region)
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("could not create bucket %q: %v", b.bucket, err)
	}
	return nil
}

// Bucket returns the bucket objects are written to.
func (b *S3Backend) Bucket() string {
	return b.bucket
}

// Put uploads obj in a single PutObject call.
func (b *S3Backend) Put(ctx context.Context, obj Object) error {
	_, err := b.client.PutObject(ctx, b.bucket, obj.Key, bytes.NewReader(obj.Body), int64(len(obj.Body)), minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %q: %v", obj.Key, err)
	}
	return nil
}
