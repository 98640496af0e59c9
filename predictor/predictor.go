// Package predictor defines the collaborator interfaces the sync engine
// consumes: network quality, offline prediction, storage usage, and battery.
// Each has a null-object default so an absent collaborator degrades the
// engine's heuristics instead of failing it.
package predictor

import "time"

// NetworkStatus is the snapshot reported by the network quality monitor.
type NetworkStatus struct {
	Online         bool          `json:"online"`
	Quality        float64       `json:"quality"` // 0-1
	Latency        time.Duration `json:"latency"`
	ConnectionType string        `json:"connectionType"`
}

// NetworkMonitor reports current connectivity state.
type NetworkMonitor interface {
	Status() NetworkStatus
}

// OfflinePrediction is the output of the offline-risk model adapter.
type OfflinePrediction struct {
	OfflinePredicted  bool          `json:"offlinePredicted"`
	PredictedDuration time.Duration `json:"predictedOfflineDuration"`
	OfflineRisk       float64       `json:"offlineRisk"` // 0-1
	PredictedKeys     []string      `json:"predictedKeys"`
	TimeToOffline     time.Duration `json:"timeToOffline"`
}

// OfflinePredictor reports predicted offline periods and the data keys
// expected to be needed during them.
type OfflinePredictor interface {
	Predict() OfflinePrediction
}

// StorageStatus is the usage snapshot reported by the storage manager.
type StorageStatus struct {
	UsagePercent   float64 `json:"usagePercentage"`
	CurrentUsageMB float64 `json:"currentUsageMB"`
	QuotaMB        float64 `json:"quotaMB"`
}

// StorageManager reports local storage usage against quota.
type StorageManager interface {
	Usage() StorageStatus
}

// BatteryMonitor reports battery charge level, 0-1.
type BatteryMonitor interface {
	Level() float64
}

// NullNetworkMonitor assumes a healthy default connection.
type NullNetworkMonitor struct{}

func (NullNetworkMonitor) Status() NetworkStatus {
	return NetworkStatus{Online: true, Quality: 0.7, Latency: 100 * time.Millisecond, ConnectionType: "unknown"}
}

// NullOfflinePredictor never predicts an offline period.
type NullOfflinePredictor struct{}

func (NullOfflinePredictor) Predict() OfflinePrediction {
	return OfflinePrediction{}
}

// NullStorageManager reports zero usage against a 100MB quota.
type NullStorageManager struct{}

func (NullStorageManager) Usage() StorageStatus {
	return StorageStatus{QuotaMB: 100}
}

// NullBatteryMonitor reports a half-charged battery, which applies no
// interval adjustment in either direction.
type NullBatteryMonitor struct{}

func (NullBatteryMonitor) Level() float64 { return 0.5 }
