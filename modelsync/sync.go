package modelsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"
	"github.com/medtranslate/edge-sync/storage/filestore"
	"github.com/medtranslate/edge-sync/transport/cloud"
)

// Config wires the syncer's collaborators.
type Config struct {
	ModelDir string
	Store    *filestore.Store
	Client   *cloud.Client

	// S3 is optional; when nil, s3:// download URLs fail with an error
	// instead of falling back to HTTP.
	S3 *S3Downloader

	Logger *logging.Logger
}

// Result summarizes one model sync pass.
type Result struct {
	Updated  []string
	Removed  []string
	Failed   []string
	Duration time.Duration
}

// Syncer reconciles local model files and terminology against the cloud.
type Syncer struct {
	modelDir string
	store    *filestore.Store
	client   *cloud.Client
	s3       *S3Downloader
	logger   *logging.Logger
}

func New(cfg Config) (*Syncer, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("modelsync: ModelDir is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("modelsync: Store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("modelsync: Client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("modelsync")
	}
	return &Syncer{
		modelDir: cfg.ModelDir,
		store:    cfg.Store,
		client:   cfg.Client,
		s3:       cfg.S3,
		logger:   cfg.Logger,
	}, nil
}

// SyncModels fetches the cloud manifest and reconciles the model directory:
// downloads and verifies updates, deletes removals, and persists the new
// local manifest. One bad download fails that file only, not the pass.
func (s *Syncer) SyncModels(ctx context.Context, networkQuality float64) (*Result, error) {
	start := time.Now()

	var manifest Manifest
	if err := s.store.Get(ctx, manifestKey, &manifest); err != nil && !errors.Is(err, filestore.ErrNotFound) {
		return nil, syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}
	if manifest.Models == nil {
		// First run or corrupt manifest: rebuild from the directory.
		scanned, err := ScanModels(s.modelDir)
		if err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpModelSync, err)
		}
		manifest.Models = scanned
	}

	remote, err := s.client.FetchManifest(ctx, manifest.LastSync, networkQuality)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, update := range remote.Updates {
		local, ok := manifest.Models[update.Filename]
		if ok && local.MD5 == update.MD5 && local.Size == update.Size {
			continue // already current
		}
		if err := s.downloadModel(ctx, update); err != nil {
			s.logger.Warn("model download failed",
				"filename", update.Filename, "error", err)
			res.Failed = append(res.Failed, update.Filename)
			continue
		}
		manifest.Models[update.Filename] = LocalModel{
			Filename:     update.Filename,
			LanguagePair: languagePairFromFilename(update.Filename),
			Size:         update.Size,
			MD5:          update.MD5,
			DownloadedAt: time.Now().UTC(),
		}
		res.Updated = append(res.Updated, update.Filename)
	}

	for _, name := range remote.Removals {
		if err := os.Remove(filepath.Join(s.modelDir, name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("model removal failed", "filename", name, "error", err)
			res.Failed = append(res.Failed, name)
			continue
		}
		delete(manifest.Models, name)
		res.Removed = append(res.Removed, name)
	}

	manifest.LastSync = time.Now().UTC()
	if err := s.store.Put(ctx, manifestKey, manifest); err != nil {
		return res, syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}

	res.Duration = time.Since(start)
	s.logger.Info("model sync complete",
		"updated", len(res.Updated),
		"removed", len(res.Removed),
		"failed", len(res.Failed),
		"duration", res.Duration)
	return res, nil
}

// downloadModel fetches one model into a temp file, verifies it against the
// manifest entry, and renames it into place. The live file is never replaced
// by an unverified download.
func (s *Syncer) downloadModel(ctx context.Context, info cloud.ModelInfo) error {
	if err := os.MkdirAll(s.modelDir, 0o755); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}

	tmp, err := os.CreateTemp(s.modelDir, info.Filename+".download-*")
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if strings.HasPrefix(info.DownloadURL, "s3://") {
		if s.s3 == nil {
			tmp.Close()
			return syncErrors.NewValidationError(syncErrors.OpModelSync,
				fmt.Errorf("s3 source %s but no s3 downloader configured", info.DownloadURL))
		}
		err = s.s3.Download(ctx, info.DownloadURL, tmp)
	} else {
		err = s.client.DownloadModel(ctx, info.Filename, tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err := verifyDownload(tmpName, info); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.modelDir, info.Filename)); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}
	return nil
}

func verifyDownload(path string, info cloud.ModelInfo) error {
	st, err := os.Stat(path)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
	}
	if info.Size > 0 && st.Size() != info.Size {
		return syncErrors.NewValidationError(syncErrors.OpModelSync,
			fmt.Errorf("size mismatch for %s: got %d want %d", info.Filename, st.Size(), info.Size))
	}
	if info.MD5 != "" {
		sum, err := fileMD5(path)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpModelSync, err)
		}
		if sum != info.MD5 {
			return syncErrors.NewValidationError(syncErrors.OpModelSync,
				fmt.Errorf("checksum mismatch for %s", info.Filename))
		}
	}
	return nil
}
