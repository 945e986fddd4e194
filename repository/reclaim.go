package repository

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/storage"
)

// ReclaimStats reports what an orphan reclaim pass removed.
type ReclaimStats struct {
	Units int // graph rows dropped
	Blobs int // object-store payloads deleted
}

// Reclaim deletes every unit not referenced by any version of any
// repository, along with the object-store bytes the unit owned. Old versions
// stay readable, so a unit held only by a superseded version survives; only
// content no version at all can reach is removed.
//
// Reclaim must not run concurrently with operations that add content before
// publishing a version. Callers dispatch it as a task holding every
// repository's resource.
func (e *Engine) Reclaim(ctx context.Context) (ReclaimStats, error) {
	referenced := make(map[content.Unit]struct{})
	e.repos.Range(func(_ string, r *Repository) bool {
		for _, v := range r.Versions() {
			for u := range v.units {
				referenced[u] = struct{}{}
			}
		}
		return true
	})

	// Bytes can be shared across units (a signature blob re-added for a
	// second manifest hashes the same). Never delete bytes a surviving unit
	// still owns.
	kept := make(map[digest.Digest]struct{}, len(referenced))
	for u := range referenced {
		switch u.Kind {
		case content.KindBlob:
			kept[digest.Digest(u.Key)] = struct{}{}
		case content.KindManifest:
			kept[digest.Digest(u.Key)] = struct{}{}
			if m, ok := e.graph.GetManifest(digest.Digest(u.Key)); ok && m.PayloadDigest != "" {
				kept[m.PayloadDigest] = struct{}{}
			}
		case content.KindSignature:
			if sig, ok := e.graph.GetSignature(u.Key); ok {
				kept[sig.Digest] = struct{}{}
			}
		}
	}

	var stats ReclaimStats
	for _, u := range e.graph.Units() {
		if _, ok := referenced[u]; ok {
			continue
		}

		dgst := e.graph.RemoveUnit(u)
		stats.Units++

		if dgst == "" {
			continue
		}
		if _, ok := kept[dgst]; ok {
			continue
		}
		switch err := e.graph.Store().Delete(ctx, dgst); {
		case err == nil:
			stats.Blobs++
		case errors.Is(err, storage.ErrBlobUnknown):
			// Shared bytes already swept by an earlier unit.
		default:
			return stats, err
		}
	}

	if stats.Units > 0 {
		dcontext.GetLogger(ctx).Infof("reclaimed %d orphaned units, %d payloads", stats.Units, stats.Blobs)
	}
	return stats, nil
}
