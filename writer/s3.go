package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	appconfig "tickerflow/config"
	"tickerflow/internal/metadata"
	"tickerflow/logger"
	"tickerflow/models"
)

// S3Sink uploads the dataset as one parquet object per run and records it as
// the current snapshot in the table metadata under prefix/metadata.
type S3Sink struct {
	client      *s3.Client
	meta        *metadata.Generator
	bucket      string
	prefix      string
	compression string
	version     string
	log         *logger.Log
	now         func() time.Time
}

// NewS3Sink builds an S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS chain applies.
func NewS3Sink(ctx context.Context, cfg appconfig.S3Config, compression, version string) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink requires a bucket")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3 compatible stores often reject the optional checksum headers
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
		o.UsePathStyle = cfg.PathStyle
	})

	sink := &S3Sink{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		compression: compression,
		version:     version,
		log:         logger.GetLogger(),
		now:         time.Now,
	}
	sink.meta = metadata.NewGenerator(s3Objects{sink}, sink.Destination(), sink.prefix, "stock_tickers")
	sink.meta.MaxSnapshots = maxSnapshots
	return sink, nil
}

const maxSnapshots = 500

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) Destination() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}

func (s *S3Sink) Write(ctx context.Context, records []models.TickerRecord) error {
	started := time.Now()
	ts := s.now().UTC()

	data, err := encodeParquet(records, s.compression, ts.Format("2006-01-02"))
	if err != nil {
		return report(s.log, s, len(records), 0, started, err)
	}

	key := s.objectKey(ts)
	if err := s.upload(ctx, key, data, len(records)); err != nil {
		return report(s.log, s, len(records), 0, started, err)
	}

	entry := s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":    s.bucket,
		"s3_key":    key,
		"file_size": len(data),
	})
	entry.Info("tickers uploaded")

	snap, err := s.meta.AddFile(ctx, metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", s.bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(records)),
		Partition:   map[string]any{"date": ts.Format("2006-01-02")},
		Timestamp:   ts,
	})
	if err != nil {
		entry.WithError(err).Warn("failed to update table metadata")
	} else {
		entry.WithFields(logger.Fields{"snapshot_id": snap.SnapshotID}).Debug("table metadata updated")
	}
	return report(s.log, s, len(records), int64(len(data)), started, nil)
}

func (s *S3Sink) objectKey(ts time.Time) string {
	filename := fmt.Sprintf("tickers_%s%s.parquet", ts.Format("20060102150405"), uuid.NewString())
	return path.Join(s.prefix, "date="+ts.Format("2006-01-02"), filename)
}

func (s *S3Sink) upload(ctx context.Context, key string, data []byte, records int) error {
	return s.put(ctx, key, data, "application/octet-stream", map[string]string{
		"content-type":       "parquet",
		"compression":        s.compression,
		"record-count":       strconv.Itoa(records),
		"tickerflow-version": s.version,
	})
}

func (s *S3Sink) put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    meta,
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload to s3 bucket %s: %w", s.bucket, err)
	}
	return nil
}

// s3Objects exposes the sink's bucket to the metadata generator.
type s3Objects struct {
	sink *S3Sink
}

func (o s3Objects) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := o.sink.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.sink.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get s3://%s/%s: %w", o.sink.bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (o s3Objects) Put(ctx context.Context, key string, data []byte) error {
	return o.sink.put(ctx, key, data, "application/json", nil)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}
