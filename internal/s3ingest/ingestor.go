// Package s3ingest lists, filters, downloads, decompresses, validates,
// and parses S3 objects, producing canonical records for the Sentinel
// router, processed through a bounded worker pool.
package s3ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/topazyo/s3-sentinel-connector/internal/resilience"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
	"github.com/topazyo/s3-sentinel-connector/pkg/parser"
)

// ObjectGetter is the subset of *s3.Client the ingestor needs, narrowed
// so tests can supply a fake without standing up a real S3 client.
type ObjectGetter interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config configures an Ingestor.
type Config struct {
	RateLimit float64 // tokens/second for the listing + download gate, default 10
	Burst     int     // default 10
	Workers   int     // default min(cpu*2, 16); 0 selects the default
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
		if c.Workers > 16 {
			c.Workers = 16
		}
	}
	return c
}

// Ingestor implements the list and process_batch operations over S3.
type Ingestor struct {
	client     ObjectGetter
	downloader *manager.Downloader
	limiter    *resilience.RateLimiter
	breaker    *resilience.CircuitBreaker
	cfg        Config
}

// NewIngestor creates an Ingestor. breaker guards both List and
// per-object GetObject calls, named "s3" by the caller's Registry.
// Downloads go through an s3manager.Downloader so multi-part objects
// fetch concurrently instead of as one single-stream GetObject.
func NewIngestor(client ObjectGetter, breaker *resilience.CircuitBreaker, cfg Config) *Ingestor {
	cfg = cfg.withDefaults()
	return &Ingestor{
		client:     client,
		downloader: manager.NewDownloader(client),
		limiter:    resilience.NewRateLimiter(cfg.RateLimit, cfg.Burst),
		breaker:    breaker,
		cfg:        cfg,
	}
}

// List paginates bucket/prefix, filtering by filter, returning matching
// objects. Wrapped by the rate limiter and a retry helper retryable on
// a fixed set of transient AWS error codes.
func (in *Ingestor) List(ctx context.Context, bucket, prefix string, filter models.ListFilter, maxKeys int32) ([]models.S3Object, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var results []models.S3Object
	var continuationToken *string

	for {
		if err := in.limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		var page *s3.ListObjectsV2Output
		err := resilience.Do(ctx, resilience.RetryPolicy{Retryable: isRetryable}, func(ctx context.Context) error {
			return in.breaker.Execute(ctx, func(ctx context.Context) error {
				out, err := in.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
					Bucket:            aws.String(bucket),
					Prefix:            aws.String(prefix),
					MaxKeys:           aws.Int32(maxKeys),
					ContinuationToken: continuationToken,
				})
				if err != nil {
					return err
				}
				page = out
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("list bucket %q prefix %q: %w", bucket, prefix, err)
		}

		for _, obj := range page.Contents {
			candidate := models.S3Object{
				Bucket:       bucket,
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			}
			if filter.Matches(candidate) {
				results = append(results, candidate)
			}
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	return results, nil
}

// ObjectCallback receives the records produced from one object, before
// they're attributed to the BatchResult.
type ObjectCallback func(obj models.S3Object, records []*models.Record)

// BatchResult aggregates the outcome of ProcessBatch.
type BatchResult struct {
	Successful       []string
	Failed           []string
	TotalFiles       int
	TotalBytes       int64
	TotalParseErrors int
	ProcessingTime   time.Duration
	RateLimitWait    time.Duration
	Errors           map[string]string // key -> error message, for failed objects
}

// ProcessBatch downloads, decompresses, validates, and parses each
// object in objects through a bounded worker pool, invoking callback (if
// non-nil) with the records produced from each object.
func (in *Ingestor) ProcessBatch(ctx context.Context, objects []models.S3Object, p parser.Parser, table *models.TableConfig, callback ObjectCallback) BatchResult {
	start := time.Now()

	type outcome struct {
		obj      models.S3Object
		records  []*models.Record
		err      error
		waitTime time.Duration
	}

	jobs := make(chan models.S3Object)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < in.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range jobs {
				waitStart := time.Now()
				if err := in.limiter.Acquire(ctx, 1); err != nil {
					results <- outcome{obj: obj, err: err, waitTime: time.Since(waitStart)}
					continue
				}
				wait := time.Since(waitStart)

				records, err := in.processOne(ctx, obj, p, table)
				results <- outcome{obj: obj, records: records, err: err, waitTime: wait}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, obj := range objects {
			select {
			case jobs <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	result := BatchResult{Errors: make(map[string]string)}
	for o := range results {
		result.TotalFiles++
		result.TotalBytes += o.obj.Size
		result.RateLimitWait += o.waitTime

		if o.err != nil {
			result.Failed = append(result.Failed, o.obj.Key)
			result.Errors[o.obj.Key] = o.err.Error()
			if _, isParse := o.err.(*parseError); isParse {
				result.TotalParseErrors++
			}
			continue
		}

		result.Successful = append(result.Successful, o.obj.Key)
		if callback != nil {
			callback(o.obj, o.records)
		}
	}

	result.ProcessingTime = time.Since(start)
	return result
}

type parseError struct {
	key string
	err error
}

func (e *parseError) Error() string { return fmt.Sprintf("parse %q: %v", e.key, e.err) }
func (e *parseError) Unwrap() error { return e.err }

// processOne implements the per-object algorithm: download (streaming,
// transparent gzip), validate, parse.
func (in *Ingestor) processOne(ctx context.Context, obj models.S3Object, p parser.Parser, table *models.TableConfig) ([]*models.Record, error) {
	var body []byte
	err := resilience.Do(ctx, resilience.RetryPolicy{Retryable: isRetryable}, func(ctx context.Context) error {
		return in.breaker.Execute(ctx, func(ctx context.Context) error {
			buf := manager.NewWriteAtBuffer(nil)
			_, err := in.downloader.Download(ctx, buf, &s3.GetObjectInput{
				Bucket: aws.String(obj.Bucket),
				Key:    aws.String(obj.Key),
			})
			if err != nil {
				return err
			}
			body = buf.Bytes()
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", obj.Key, err)
	}

	if strings.HasSuffix(obj.Key, ".gz") {
		decompressed, err := decompressGzip(body)
		if err != nil {
			return nil, fmt.Errorf("decompress %q: %w", obj.Key, err)
		}
		body = decompressed
	}

	if err := validateBody(obj.Key, body); err != nil {
		return nil, err
	}

	records, err := p.Parse(table, body)
	if err != nil {
		return nil, &parseError{key: obj.Key, err: err}
	}
	for _, r := range records {
		r.SourceKey = obj.Key
	}
	return records, nil
}

func decompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// validateBody enforces the content-validation step: JSON-suffixed keys
// must parse as JSON (a single object or JSON-lines); any other
// extension need only be non-empty.
func validateBody(key string, body []byte) error {
	innerKey := strings.TrimSuffix(key, ".gz")
	if strings.HasSuffix(innerKey, ".json") {
		dec := json.NewDecoder(bytes.NewReader(body))
		seen := false
		for {
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				if err == io.EOF {
					break
				}
				return fmt.Errorf("%q failed JSON validation: %w", key, err)
			}
			seen = true
		}
		if !seen {
			return fmt.Errorf("%q failed JSON validation: empty body", key)
		}
		return nil
	}
	if len(body) == 0 {
		return fmt.Errorf("%q is empty", key)
	}
	return nil
}
