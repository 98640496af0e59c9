package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	syncErrors "github.com/medtranslate/edge-sync/errors"
)

// ModelInfo describes one model file the cloud wants the device to hold.
type ModelInfo struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	MD5         string `json:"md5"`
	DownloadURL string `json:"downloadUrl"`
}

// ManifestResponse is the cloud's answer to a manifest query.
type ManifestResponse struct {
	Success  bool        `json:"success"`
	Updates  []ModelInfo `json:"updates"`
	Removals []string    `json:"removals"`
}

// TerminologyVersion identifies the device's current term list for one
// language pair.
type TerminologyVersion struct {
	LanguagePair string `json:"languagePair"`
	Version      int    `json:"version"`
}

// TerminologyUpdate carries a new or changed term list for a language pair.
type TerminologyUpdate struct {
	LanguagePair string            `json:"languagePair"`
	Version      int               `json:"version"`
	Terms        map[string]string `json:"terms"`
}

// TerminologyResponse is the cloud's answer to a terminology sync.
type TerminologyResponse struct {
	Updates  []TerminologyUpdate `json:"updates"`
	Removals []string            `json:"removals"`
}

// FetchManifest queries GET /edge/models/manifest for pending model updates.
func (c *Client) FetchManifest(ctx context.Context, lastSync time.Time, networkQuality float64) (*ManifestResponse, error) {
	q := url.Values{}
	q.Set("deviceId", c.deviceID)
	if !lastSync.IsZero() {
		q.Set("lastSync", lastSync.UTC().Format(time.RFC3339))
	}
	q.Set("networkQuality", strconv.FormatFloat(networkQuality, 'f', 2, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/edge/models/manifest?"+q.Encode(), nil)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpModelSync, err)
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpModelSync, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, syncErrors.NewHTTPError(syncErrors.OpModelSync, resp.StatusCode,
			fmt.Errorf("manifest endpoint returned %s", resp.Status))
	}

	var out ManifestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(&out); err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpModelSync, err)
	}
	return &out, nil
}

// DownloadModel streams GET /edge/models/{filename} into w.
func (c *Client) DownloadModel(ctx context.Context, filename string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/edge/models/"+url.PathEscape(filename), nil)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpModelSync, err)
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpModelSync, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return syncErrors.NewHTTPError(syncErrors.OpModelSync, resp.StatusCode,
			fmt.Errorf("model download returned %s", resp.Status))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpModelSync, err)
	}
	return nil
}

// SyncTerminology posts the device's current terminology versions and
// returns the updates and removals to apply.
func (c *Client) SyncTerminology(ctx context.Context, versions []TerminologyVersion) (*TerminologyResponse, error) {
	body := struct {
		DeviceID string               `json:"deviceId"`
		Current  []TerminologyVersion `json:"current"`
	}{DeviceID: c.deviceID, Current: versions}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpModelSync, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/edge/terminology/sync", bytes.NewReader(payload))
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpModelSync, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpModelSync, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, syncErrors.NewHTTPError(syncErrors.OpModelSync, resp.StatusCode,
			fmt.Errorf("terminology endpoint returned %s", resp.Status))
	}

	var out TerminologyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(&out); err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpModelSync, err)
	}
	return &out, nil
}
