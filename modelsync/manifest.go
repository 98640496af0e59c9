// Package modelsync keeps the device's translation model files and medical
// terminology lists in step with the cloud. Model binaries arrive over HTTP
// or S3; every download is verified against the manifest's MD5 and size
// before it replaces the live file.
package modelsync

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const manifestKey = "model-manifest"

// LocalModel describes one model binary present on the device.
type LocalModel struct {
	Filename     string    `json:"filename"`
	LanguagePair string    `json:"languagePair"`
	Size         int64     `json:"size"`
	MD5          string    `json:"md5"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// Manifest is the persisted record of installed models.
type Manifest struct {
	Models   map[string]LocalModel `json:"models"`
	LastSync time.Time             `json:"lastSync"`
}

// languagePairFromFilename maps "en-es.bin" to "en-es". Files that do not
// follow the convention keep their stem as the pair.
func languagePairFromFilename(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}

// ScanModels walks dir and fingerprints every .bin model file found.
func ScanModels(dir string) (map[string]LocalModel, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]LocalModel{}, nil
		}
		return nil, err
	}

	models := make(map[string]LocalModel)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bin" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		sum, err := fileMD5(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		models[entry.Name()] = LocalModel{
			Filename:     entry.Name(),
			LanguagePair: languagePairFromFilename(entry.Name()),
			Size:         info.Size(),
			MD5:          sum,
			DownloadedAt: info.ModTime().UTC(),
		}
	}
	return models, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
