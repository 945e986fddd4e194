package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/storage"
)

func TestReclaimRemovesUnreferencedContent(t *testing.T) {
	e := newTestEnv(t)
	repo := e.engine.GetOrCreate("library/app", TypePush)

	kept := e.putImage("kept layer")
	_, err := repo.TagManifest(e.ctx, "latest", kept.Digest)
	require.NoError(t, err)

	orphan := e.putImage("orphan layer")

	stats, err := e.engine.Reclaim(e.ctx)
	require.NoError(t, err)
	// The orphaned manifest and its layer; both images share the same
	// config blob, which the kept image still references.
	require.Equal(t, 2, stats.Units)
	require.Equal(t, 2, stats.Blobs)

	_, ok := e.graph.GetManifest(orphan.Digest)
	require.False(t, ok)
	_, err = e.store.Stat(e.ctx, orphan.Config.Digest)
	require.NoError(t, err)
	_, err = e.store.Stat(e.ctx, orphan.Digest)
	require.ErrorIs(t, err, storage.ErrBlobUnknown)
	_, err = e.store.Stat(e.ctx, orphan.Layers[0].Digest)
	require.ErrorIs(t, err, storage.ErrBlobUnknown)

	_, ok = e.graph.GetManifest(kept.Digest)
	require.True(t, ok)
	_, err = e.store.Stat(e.ctx, kept.Layers[0].Digest)
	require.NoError(t, err)
}

func TestReclaimKeepsOldVersionContent(t *testing.T) {
	e := newTestEnv(t)
	repo := e.engine.GetOrCreate("library/app", TypePush)

	m := e.putImage("layer")
	_, err := repo.TagManifest(e.ctx, "v1", m.Digest)
	require.NoError(t, err)
	_, err = repo.Untag(e.ctx, "v1")
	require.NoError(t, err)

	// The latest version no longer holds the image, but the superseded
	// version still serves it, so nothing is orphaned.
	stats, err := e.engine.Reclaim(e.ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Units)

	_, ok := e.graph.GetManifest(m.Digest)
	require.True(t, ok)
	_, err = e.store.Stat(e.ctx, m.Digest)
	require.NoError(t, err)
}

func TestReclaimAfterRepositoryDelete(t *testing.T) {
	e := newTestEnv(t)
	repo := e.engine.GetOrCreate("library/app", TypePush)

	m := e.putImage("layer")
	_, err := repo.TagManifest(e.ctx, "latest", m.Digest)
	require.NoError(t, err)

	require.NoError(t, e.engine.Delete("library/app"))

	// Tag, manifest, config and layer all lose their last reference.
	stats, err := e.engine.Reclaim(e.ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Units)
	require.Equal(t, 3, stats.Blobs)

	_, ok := e.graph.GetManifest(m.Digest)
	require.False(t, ok)
}

func TestReclaimRemovesOrphanedSignature(t *testing.T) {
	e := newTestEnv(t)

	m := e.putImage("layer")
	sig, err := e.graph.AddSignature(e.ctx, &content.Signature{
		Type:           content.SignatureTypeAtomic,
		SignedManifest: m.Digest,
		Data:           []byte("detached signature"),
	})
	require.NoError(t, err)

	_, err = e.engine.Reclaim(e.ctx)
	require.NoError(t, err)

	_, ok := e.graph.GetSignature(sig.Unit().Key)
	require.False(t, ok)
	_, err = e.store.Stat(e.ctx, sig.Digest)
	require.ErrorIs(t, err, storage.ErrBlobUnknown)
}

func TestReclaimEmptyGraph(t *testing.T) {
	e := newTestEnv(t)
	e.engine.GetOrCreate("library/app", TypePush)

	stats, err := e.engine.Reclaim(e.ctx)
	require.NoError(t, err)
	require.Equal(t, ReclaimStats{}, stats)
}
