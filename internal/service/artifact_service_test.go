package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/canonical"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/storage"
)

type fakeArtifactRepo struct {
	repository.ArtifactRepository
	byHash map[string]*models.Artifact
	byID   map[uuid.UUID]*models.Artifact
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{
		byHash: make(map[string]*models.Artifact),
		byID:   make(map[uuid.UUID]*models.Artifact),
	}
}

func (f *fakeArtifactRepo) add(a *models.Artifact) {
	f.byHash[a.SHA256] = a
	f.byID[a.ID] = a
}

func (f *fakeArtifactRepo) GetBySHA256(_ context.Context, _ uuid.UUID, sha256 string) (*models.Artifact, error) {
	return f.byHash[sha256], nil
}

func (f *fakeArtifactRepo) GetByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*models.Artifact, error) {
	return f.byID[id], nil
}

func (f *fakeArtifactRepo) Pool() *pgxpool.Pool { return nil }

// fakeBlobStore is a map-backed storage.Backend recording writes.
type fakeBlobStore struct {
	blobs map[string][]byte
	puts  int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(_ context.Context, sha256 string, data []byte) (string, error) {
	f.puts++
	url := "mem://" + sha256
	f.blobs[url] = data
	return url, nil
}

func (f *fakeBlobStore) Get(_ context.Context, storageURL string) ([]byte, error) {
	data, ok := f.blobs[storageURL]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return data, nil
}

func artifactFixture() (*fakeArtifactRepo, *fakeBlobStore, ArtifactService) {
	repo := newFakeArtifactRepo()
	blobs := newFakeBlobStore()
	enforcer := limits.NewEnforcer(config.LimitsConfig{
		ModelUploadBytes: 1 << 20,
		BundleBytes:      1 << 20,
	})
	svc := NewArtifactService(repo, nil, blobs, enforcer, discardLogger())
	return repo, blobs, svc
}

func TestPutDeduplicatesByContentHash(t *testing.T) {
	repo, blobs, svc := artifactFixture()
	workspaceID := uuid.New()
	data := []byte("hello\n")
	sum := canonical.SHA256Hex(data)
	require.Equal(t, "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03", sum)

	existing := &models.Artifact{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Kind:        models.ArtifactKindModel,
		SHA256:      sum,
		SizeBytes:   int64(len(data)),
	}
	repo.add(existing)

	got, err := svc.Put(context.Background(), PutArtifactRequest{
		WorkspaceID: workspaceID,
		Kind:        models.ArtifactKindModel,
		Data:        data,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	// Identical bytes never reach the backend again.
	assert.Equal(t, 0, blobs.puts)
}

func TestPutRecoversFromConcurrentDuplicate(t *testing.T) {
	// Two concurrent uploads of identical bytes can both pass the
	// dedup read; the loser's insert hits the unique constraint and
	// must come back with the winner's row.
	repo, _, svc := artifactFixture()
	workspaceID := uuid.New()
	data := []byte("hello\n")
	sum := canonical.SHA256Hex(data)

	winner := &models.Artifact{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Kind:        models.ArtifactKindModel,
		SHA256:      sum,
	}
	repo.add(winner)

	unique := &pgconn.PgError{Code: "23505", ConstraintName: "artifacts_workspace_id_sha256_key"}
	got, err := svc.(*artifactService).recoverDuplicate(
		context.Background(), workspaceID, sum, fmt.Errorf("insert artifact: %w", unique))
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)

	// Anything but a unique violation passes through untouched.
	boom := errors.New("connection reset")
	_, err = svc.(*artifactService).recoverDuplicate(context.Background(), workspaceID, sum, boom)
	assert.ErrorIs(t, err, boom)

	// A unique violation with no row to fall back on stays an error.
	_, err = svc.(*artifactService).recoverDuplicate(
		context.Background(), workspaceID, "0000", fmt.Errorf("insert artifact: %w", unique))
	require.Error(t, err)
}

func TestPutRejectsUnknownKind(t *testing.T) {
	_, _, svc := artifactFixture()

	_, err := svc.Put(context.Background(), PutArtifactRequest{
		WorkspaceID: uuid.New(),
		Kind:        models.ArtifactKind("tarball"),
		Data:        []byte("x"),
	})
	require.Error(t, err)
	assert.Equal(t, 400, apierrors.AsAPIError(err).StatusCode)
}

func TestPutEnforcesSizeCap(t *testing.T) {
	_, _, svc := artifactFixture()

	_, err := svc.Put(context.Background(), PutArtifactRequest{
		WorkspaceID: uuid.New(),
		Kind:        models.ArtifactKindModel,
		Data:        make([]byte, (1<<20)+1),
	})
	require.Error(t, err)
	assert.Equal(t, 413, apierrors.AsAPIError(err).StatusCode)
}

func TestReadBytesRoundTrip(t *testing.T) {
	repo, blobs, svc := artifactFixture()
	workspaceID := uuid.New()
	data := []byte("model-bytes")
	sum := canonical.SHA256Hex(data)

	url, err := blobs.Put(context.Background(), sum, data)
	require.NoError(t, err)
	artifact := &models.Artifact{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Kind:        models.ArtifactKindModel,
		StorageURL:  url,
		SHA256:      sum,
	}
	repo.add(artifact)

	got, row, err := svc.ReadBytes(context.Background(), workspaceID, artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, row.SHA256, canonical.SHA256Hex(got))
}

func TestReadBytesUnknownArtifact(t *testing.T) {
	_, _, svc := artifactFixture()

	_, _, err := svc.ReadBytes(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, 404, apierrors.AsAPIError(err).StatusCode)
}
