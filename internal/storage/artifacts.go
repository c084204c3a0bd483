package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"workbench/internal/workflow"
)

// ArtifactStore copies chart files out of sandbox working directories into
// Redis so the directories can be removed.
type ArtifactStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Artifact is a stored file with its metadata.
type Artifact struct {
	ArtifactMetadata
	Content []byte `json:"content"`
}

type ArtifactMetadata struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewArtifactStore(client *redis.Client, ttlHours int) *ArtifactStore {
	return &ArtifactStore{client: client, ttl: ttlFromHours(ttlHours)}
}

func contentKey(id string) string { return "artifact:content:" + id }
func metadataKey(id string) string { return "artifact:metadata:" + id }
func runIndexKey(run string) string { return "artifact:by_run:" + run }

// StoreFile reads path and stores it for runID.
func (s *ArtifactStore) StoreFile(ctx context.Context, runID, path string) (ArtifactMetadata, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ArtifactMetadata{}, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	return s.Store(ctx, runID, filepath.Base(path), content)
}

// Store saves content under a new artifact ID.
func (s *ArtifactStore) Store(ctx context.Context, runID, filename string, content []byte) (ArtifactMetadata, error) {
	now := time.Now().UTC()
	meta := ArtifactMetadata{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentType: ContentTypeFor(filename),
		Size:        int64(len(content)),
		RunID:       runID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return ArtifactMetadata{}, fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, contentKey(meta.ID), content, s.ttl)
		pipe.Set(ctx, metadataKey(meta.ID), metaData, s.ttl)
		if runID != "" {
			pipe.SAdd(ctx, runIndexKey(runID), meta.ID)
			pipe.Expire(ctx, runIndexKey(runID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return ArtifactMetadata{}, fmt.Errorf("failed to store artifact in Redis: %w", err)
	}
	log.Printf("📁 [STORAGE] Stored artifact %s (%d bytes) for run %s", filename, meta.Size, runID)
	return meta, nil
}

// StoreRunArtifacts stores every artifact of out and records their IDs on it.
// Files that vanished are logged and skipped; other failures are joined into
// the returned error after the remaining files have been stored.
func (s *ArtifactStore) StoreRunArtifacts(ctx context.Context, out *workflow.Outcome) ([]ArtifactMetadata, error) {
	if out == nil || out.Execution == nil {
		return nil, nil
	}
	var stored []ArtifactMetadata
	var errs []error
	for _, path := range out.Execution.Artifacts {
		meta, err := s.StoreFile(ctx, out.ID, path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Printf("⚠️ [STORAGE] Artifact vanished before storing: %s", path)
				continue
			}
			errs = append(errs, err)
			continue
		}
		stored = append(stored, meta)
		out.ArtifactIDs = append(out.ArtifactIDs, meta.ID)
	}
	return stored, errors.Join(errs...)
}

func (s *ArtifactStore) GetMetadata(ctx context.Context, id string) (ArtifactMetadata, error) {
	data, err := s.client.Get(ctx, metadataKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ArtifactMetadata{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
		}
		return ArtifactMetadata{}, fmt.Errorf("failed to get artifact metadata from Redis: %w", err)
	}
	var meta ArtifactMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return ArtifactMetadata{}, fmt.Errorf("failed to unmarshal artifact metadata: %w", err)
	}
	return meta, nil
}

// Get returns the artifact with its content.
func (s *ArtifactStore) Get(ctx context.Context, id string) (*Artifact, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := s.client.Get(ctx, contentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("artifact content %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get artifact content from Redis: %w", err)
	}
	return &Artifact{ArtifactMetadata: meta, Content: content}, nil
}

// ListByRun returns the metadata of every artifact stored for runID.
func (s *ArtifactStore) ListByRun(ctx context.Context, runID string) ([]ArtifactMetadata, error) {
	ids, err := s.client.SMembers(ctx, runIndexKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact ids for run: %w", err)
	}
	var metas []ArtifactMetadata
	for _, id := range ids {
		meta, err := s.GetMetadata(ctx, id)
		if err != nil {
			log.Printf("⚠️ [STORAGE] Skipping artifact %s: %v", id, err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *ArtifactStore) Delete(ctx context.Context, id string) error {
	if meta, err := s.GetMetadata(ctx, id); err == nil && meta.RunID != "" {
		s.client.SRem(ctx, runIndexKey(meta.RunID), id)
	}
	if err := s.client.Del(ctx, contentKey(id), metadataKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	log.Printf("🗑️ [STORAGE] Deleted artifact %s", id)
	return nil
}

// ContentTypeFor maps a filename extension to a MIME type.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".txt", ".md":
		return "text/plain"
	case ".html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
