package modelsync

import (
	"context"
	"errors"
	"sort"
	"time"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/storage/filestore"
	"github.com/medtranslate/edge-sync/transport/cloud"
)

const termKeyPrefix = "terminology-"

// TermList is the versioned medical term list for one language pair.
type TermList struct {
	LanguagePair string            `json:"languagePair"`
	Version      int               `json:"version"`
	Terms        map[string]string `json:"terms"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Terminology returns the stored term list for a language pair.
func (s *Syncer) Terminology(ctx context.Context, pair string) (*TermList, error) {
	var list TermList
	if err := s.store.Get(ctx, termKeyPrefix+pair, &list); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return nil, err
		}
		return nil, syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}
	return &list, nil
}

// terminologyVersions lists the device's current term-list versions.
func (s *Syncer) terminologyVersions(ctx context.Context) ([]cloud.TerminologyVersion, error) {
	keys, err := s.store.List(ctx, termKeyPrefix)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}
	sort.Strings(keys)

	var versions []cloud.TerminologyVersion
	for _, key := range keys {
		var list TermList
		if err := s.store.Get(ctx, key, &list); err != nil {
			continue
		}
		versions = append(versions, cloud.TerminologyVersion{
			LanguagePair: list.LanguagePair,
			Version:      list.Version,
		})
	}
	return versions, nil
}

// SyncTerminology reports current term-list versions to the cloud and
// applies the returned updates and removals.
func (s *Syncer) SyncTerminology(ctx context.Context) error {
	versions, err := s.terminologyVersions(ctx)
	if err != nil {
		return err
	}

	resp, err := s.client.SyncTerminology(ctx, versions)
	if err != nil {
		return err
	}

	for _, u := range resp.Updates {
		list := TermList{
			LanguagePair: u.LanguagePair,
			Version:      u.Version,
			Terms:        u.Terms,
			UpdatedAt:    time.Now().UTC(),
		}
		if err := s.store.Put(ctx, termKeyPrefix+u.LanguagePair, list); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
		}
	}
	for _, pair := range resp.Removals {
		if err := s.store.Delete(ctx, termKeyPrefix+pair); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
		}
	}

	s.logger.Info("terminology sync complete",
		"updates", len(resp.Updates),
		"removals", len(resp.Removals))
	return nil
}
