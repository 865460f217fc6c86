package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// BlobSink is a FailedBatchSink backed by Azure Blob Storage, for
// deployments that want failed-batch replay durable across hosts rather
// than pinned to one box's local disk.
type BlobSink struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewBlobSink creates a BlobSink writing blobs under containerName,
// optionally namespaced by prefix, creating the container if absent.
func NewBlobSink(ctx context.Context, client *azblob.Client, containerName, prefix string) (*BlobSink, error) {
	if err := ensureContainer(ctx, client, containerName); err != nil {
		return nil, err
	}
	return &BlobSink{client: client, container: containerName, prefix: prefix}, nil
}

func (s *BlobSink) keyFor(e models.FailedBatchEnvelope) string {
	key := fmt.Sprintf("%s_%s_%d.json", e.Table, e.BatchID, e.SealedAt.UnixNano())
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

// Store uploads envelope as a single blob.
func (s *BlobSink) Store(ctx context.Context, envelope models.FailedBatchEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal failed-batch envelope: %w", err)
	}
	_, err = s.client.UploadBuffer(ctx, s.container, s.keyFor(envelope), data, nil)
	if err != nil {
		return fmt.Errorf("upload failed-batch envelope: %w", err)
	}
	return nil
}

// List downloads and decodes every blob under the sink's prefix sealed
// at or after since. Pagination follows the SDK's ListBlobsFlatPager,
// the azblob analogue of the S3 paginator used by the ingestor.
func (s *BlobSink) List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error) {
	var out []models.FailedBatchEnvelope

	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: strPtr(s.prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list failed-batch blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			envelope, err := s.downloadOne(ctx, *item.Name)
			if err != nil {
				return nil, err
			}
			if envelope.SealedAt.Before(since) {
				continue
			}
			out = append(out, envelope)
		}
	}
	return out, nil
}

func (s *BlobSink) downloadOne(ctx context.Context, name string) (models.FailedBatchEnvelope, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		return models.FailedBatchEnvelope{}, fmt.Errorf("download failed-batch blob %q: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.FailedBatchEnvelope{}, fmt.Errorf("read failed-batch blob %q: %w", name, err)
	}

	var envelope models.FailedBatchEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return models.FailedBatchEnvelope{}, fmt.Errorf("decode failed-batch blob %q: %w", name, err)
	}
	return envelope, nil
}

func strPtr(s string) *string { return &s }

// ensureContainer creates the target container if it doesn't already
// exist, matching the dittofs S3 store's HeadBucket access-verification
// step at construction.
func ensureContainer(ctx context.Context, client *azblob.Client, name string) error {
	_, err := client.CreateContainer(ctx, name, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return fmt.Errorf("create failed-batch container %q: %w", name, err)
}
