// Package config loads the bridge's YAML configuration file and layers
// environment variable overrides on top of it, the way pkg/config.Load
// layers env vars over a YAML file in the teacher, but tailored to the
// bridge's own override set (see original_source's config.py for the env
// var semantics this package preserves).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

// rawConfig mirrors the on-disk YAML shape from spec.md §6.
type rawConfig struct {
	EnterpriseName string          `yaml:"enterprise_name"`
	Version        string          `yaml:"version"`
	Sites          []rawSite       `yaml:"sites"`
	GlobalSettings rawGlobalConfig `yaml:"global_settings"`
}

type rawSite struct {
	SiteName            string     `yaml:"site_name"`
	Enterprise          string     `yaml:"enterprise"`
	Description         string     `yaml:"description"`
	Assets              []rawAsset `yaml:"assets"`
	DefaultSamplingRate int        `yaml:"default_sampling_rate"`
	BufferSize          int        `yaml:"buffer_size"`
}

type rawAsset struct {
	AssetName             string                    `yaml:"asset_name"`
	Description           string                    `yaml:"description"`
	OPCUAEndpoint         string                    `yaml:"opcua_endpoint"`
	NodeMapping           map[string]string         `yaml:"node_mapping"`
	OEEMonitoring         *rawOEEConfig             `yaml:"oee_monitoring"`
	EnergyMonitoring      *rawEnergyConfig          `yaml:"energy_monitoring"`
	EnergyAnalytics       *rawEnergyAnalyticsConfig `yaml:"energy_analytics"`
	PredictiveMaintenance *rawPredictiveConfig      `yaml:"predictive_maintenance"`
	SecuritySettings      rawSecuritySettings       `yaml:"security_settings"`
	Metadata              map[string]string         `yaml:"metadata"`
}

type rawOEEConfig struct {
	AvailabilityTags  []string `yaml:"availability_tags"`
	PerformanceTags   []string `yaml:"performance_tags"`
	QualityTags       []string `yaml:"quality_tags"`
	CycleCountTag     string   `yaml:"cycle_count_tag"`
	ProductionRateTag string   `yaml:"production_rate_tag"`
}

type rawEnergyConfig struct {
	PowerTags           []string `yaml:"power_tags"`
	EnergyTags          []string `yaml:"energy_tags"`
	VoltageTags         []string `yaml:"voltage_tags"`
	CurrentTags         []string `yaml:"current_tags"`
	AggregationInterval int      `yaml:"aggregation_interval"`
}

type rawEnergyAnalyticsConfig struct {
	RenewableTags       []string `yaml:"renewable_tags"`
	BatteryTags         []string `yaml:"battery_tags"`
	LoadTags            []string `yaml:"load_tags"`
	EfficiencyTags      []string `yaml:"efficiency_tags"`
	AggregationInterval int      `yaml:"aggregation_interval"`
}

type rawPredictiveConfig struct {
	VibrationTags         []string           `yaml:"vibration_tags"`
	TemperatureTags       []string           `yaml:"temperature_tags"`
	PressureTags          []string           `yaml:"pressure_tags"`
	MaintenanceThresholds map[string]float64 `yaml:"maintenance_thresholds"`
	PredictionHorizon     int                `yaml:"prediction_horizon"`
}

type rawSecuritySettings struct {
	SecurityPolicy string `yaml:"security_policy"`
}

type rawGlobalConfig struct {
	ConnectionTimeout float64 `yaml:"connection_timeout"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	RetryDelay        float64 `yaml:"retry_delay"`
	SecurityPolicy    string  `yaml:"security_policy"`
}

// RemoteStoreConfig carries the InfluxDB connection parameters, sourced only
// from the environment (spec.md §6: INFLUXDB_TOKEN is required, never
// written to the YAML file).
type RemoteStoreConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Prefix string
}

// ProcessConfig carries the ambient, process-level knobs that spec.md §6
// keeps out of the YAML file: where the durable buffer lives on disk, the
// loopback diagnostics listener (off unless set), the optional site-local
// health cache, and the maintenance loop's cron cadence.
type ProcessConfig struct {
	BufferPath      string
	BufferMaxBytes  int64 // bytes_cap from spec.md §4.4; 0 disables the buffer size cap
	DiagListenAddr  string // empty disables internal/diag entirely
	HealthCacheAddr string // empty disables internal/healthcache entirely
	MaintenanceCron string
}

// Load reads the YAML document named by CONFIG_FILE (default "configs/bridge.yaml"),
// applies environment overrides, validates, and returns the immutable BridgeConfig,
// the remote store's connection settings, and the process-level knobs.
func Load() (*model.BridgeConfig, RemoteStoreConfig, ProcessConfig, error) {
	_ = godotenv.Load()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/bridge.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads a specific YAML file and applies the same override/validation pipeline as Load.
func LoadFile(path string) (*model.BridgeConfig, RemoteStoreConfig, ProcessConfig, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, RemoteStoreConfig{}, ProcessConfig{}, err
	}

	applyEnvOverrides(raw)

	cfg := toBridgeConfig(raw)

	for _, site := range cfg.Sites {
		for _, asset := range site.Assets {
			if err := asset.Validate(); err != nil {
				return nil, RemoteStoreConfig{}, ProcessConfig{}, fmt.Errorf("config invalid: %w", err)
			}
		}
	}

	remote, err := loadRemoteStoreConfig()
	if err != nil {
		return nil, RemoteStoreConfig{}, ProcessConfig{}, err
	}

	return cfg, remote, loadProcessConfig(), nil
}

func loadProcessConfig() ProcessConfig {
	pc := ProcessConfig{
		BufferPath:      strings.TrimSpace(os.Getenv("BUFFER_DB_PATH")),
		DiagListenAddr:  strings.TrimSpace(os.Getenv("DIAG_LISTEN_ADDR")),
		HealthCacheAddr: strings.TrimSpace(os.Getenv("HEALTH_CACHE_REDIS_ADDR")),
		MaintenanceCron: strings.TrimSpace(os.Getenv("MAINTENANCE_CRON")),
	}
	if pc.BufferPath == "" {
		pc.BufferPath = "data/buffer.db"
	}
	pc.BufferMaxBytes = 0
	if raw := strings.TrimSpace(os.Getenv("BUFFER_MAX_BYTES")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			pc.BufferMaxBytes = n
		}
	}
	return pc
}

func loadRaw(path string) (*rawConfig, error) {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", expanded, err)
	}
	raw := &rawConfig{}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", expanded, err)
	}
	return raw, nil
}

// applyEnvOverrides mirrors _apply_env_overrides in the original config.py:
// server URL, security policy, and connection timeout apply globally; node
// IDs override per (asset, tag).
func applyEnvOverrides(raw *rawConfig) {
	if url := strings.TrimSpace(os.Getenv("OPCUA_SERVER_URL")); url != "" {
		for _, site := range raw.Sites {
			for i := range site.Assets {
				site.Assets[i].OPCUAEndpoint = url
			}
		}
	}

	if policy := strings.TrimSpace(os.Getenv("OPCUA_SECURITY_POLICY")); policy != "" {
		for _, site := range raw.Sites {
			for i := range site.Assets {
				site.Assets[i].SecuritySettings.SecurityPolicy = policy
			}
		}
		raw.GlobalSettings.SecurityPolicy = policy
	}

	if timeoutStr := strings.TrimSpace(os.Getenv("OPCUA_CONNECTION_TIMEOUT")); timeoutStr != "" {
		if timeout, err := strconv.ParseFloat(timeoutStr, 64); err == nil {
			raw.GlobalSettings.ConnectionTimeout = timeout
		}
	}

	applyNodeIDOverrides(raw)
}

// applyNodeIDOverrides scans the environment for NODE_ID_<ASSET>_<TAG>=<node_id>,
// splitting the remainder on the first underscore into asset name and tag name,
// exactly as _parse_node_id_overrides does.
func applyNodeIDOverrides(raw *rawConfig) {
	const prefix = "NODE_ID_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		remainder := strings.TrimPrefix(key, prefix)
		split := strings.SplitN(remainder, "_", 2)
		if len(split) != 2 {
			continue
		}
		assetName, tagName := split[0], split[1]
		for _, site := range raw.Sites {
			for i := range site.Assets {
				if site.Assets[i].AssetName != assetName {
					continue
				}
				if site.Assets[i].NodeMapping == nil {
					site.Assets[i].NodeMapping = map[string]string{}
				}
				site.Assets[i].NodeMapping[tagName] = value
			}
		}
	}
}

func loadRemoteStoreConfig() (RemoteStoreConfig, error) {
	cfg := RemoteStoreConfig{
		URL:    strings.TrimSpace(os.Getenv("INFLUXDB_URL")),
		Token:  strings.TrimSpace(os.Getenv("INFLUXDB_TOKEN")),
		Org:    strings.TrimSpace(os.Getenv("INFLUXDB_ORG")),
		Bucket: strings.TrimSpace(os.Getenv("INFLUXDB_BUCKET")),
		Prefix: "opcua",
	}
	if cfg.Token == "" {
		return RemoteStoreConfig{}, fmt.Errorf("config invalid: INFLUXDB_TOKEN is required")
	}
	return cfg, nil
}

func toBridgeConfig(raw *rawConfig) *model.BridgeConfig {
	cfg := &model.BridgeConfig{
		EnterpriseName: raw.EnterpriseName,
		Version:        raw.Version,
		GlobalSettings: model.GlobalSettings{
			ConnectionTimeout: durationFromSeconds(raw.GlobalSettings.ConnectionTimeout, 10*time.Second),
			RetryAttempts:     intOrDefault(raw.GlobalSettings.RetryAttempts, 3),
			RetryDelay:        durationFromSeconds(raw.GlobalSettings.RetryDelay, 5*time.Second),
			SecurityPolicy:    stringOrDefault(raw.GlobalSettings.SecurityPolicy, "Basic256Sha256"),
		},
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}

	for _, rs := range raw.Sites {
		site := &model.SiteConfig{
			SiteName:            rs.SiteName,
			Enterprise:          rs.Enterprise,
			Description:         rs.Description,
			DefaultSamplingRate: intOrDefault(rs.DefaultSamplingRate, 1000),
			BufferSize:          intOrDefault(rs.BufferSize, 10000),
		}
		for _, ra := range rs.Assets {
			site.Assets = append(site.Assets, toAssetConfig(rs, ra))
		}
		cfg.Sites = append(cfg.Sites, site)
	}
	return cfg
}

func toAssetConfig(site rawSite, ra rawAsset) *model.AssetConfig {
	asset := &model.AssetConfig{
		AssetName:     ra.AssetName,
		Description:   ra.Description,
		OPCUAEndpoint: ra.OPCUAEndpoint,
		NodeMapping:   ra.NodeMapping,
		Metadata:      ra.Metadata,
		SecuritySettings: model.SecuritySettings{
			SecurityPolicy: ra.SecuritySettings.SecurityPolicy,
		},
		Hierarchy: model.Hierarchy{
			Enterprise: site.Enterprise,
			Site:       site.SiteName,
			Area:       ra.Metadata["area"],
			Line:       ra.Metadata["line"],
			Machine:    ra.Metadata["machine"],
		},
	}
	if ra.OEEMonitoring != nil {
		asset.OEE = &model.OEEConfig{
			AvailabilityTags:  ra.OEEMonitoring.AvailabilityTags,
			PerformanceTags:   ra.OEEMonitoring.PerformanceTags,
			QualityTags:       ra.OEEMonitoring.QualityTags,
			CycleCountTag:     ra.OEEMonitoring.CycleCountTag,
			ProductionRateTag: ra.OEEMonitoring.ProductionRateTag,
		}
	}
	if ra.EnergyMonitoring != nil {
		asset.Energy = &model.EnergyMonitoringConfig{
			PowerTags:           ra.EnergyMonitoring.PowerTags,
			EnergyTags:          ra.EnergyMonitoring.EnergyTags,
			VoltageTags:         ra.EnergyMonitoring.VoltageTags,
			CurrentTags:         ra.EnergyMonitoring.CurrentTags,
			AggregationInterval: intOrDefault(ra.EnergyMonitoring.AggregationInterval, 300),
		}
	}
	if ra.EnergyAnalytics != nil {
		asset.EnergyAnalytics = &model.EnergyAnalyticsConfig{
			RenewableTags:       ra.EnergyAnalytics.RenewableTags,
			BatteryTags:         ra.EnergyAnalytics.BatteryTags,
			LoadTags:            ra.EnergyAnalytics.LoadTags,
			EfficiencyTags:      ra.EnergyAnalytics.EfficiencyTags,
			AggregationInterval: intOrDefault(ra.EnergyAnalytics.AggregationInterval, 300),
		}
	}
	if ra.PredictiveMaintenance != nil {
		asset.Predictive = &model.PredictiveMaintenanceConfig{
			VibrationTags:         ra.PredictiveMaintenance.VibrationTags,
			TemperatureTags:       ra.PredictiveMaintenance.TemperatureTags,
			PressureTags:          ra.PredictiveMaintenance.PressureTags,
			MaintenanceThresholds: ra.PredictiveMaintenance.MaintenanceThresholds,
			PredictionHorizon:     intOrDefault(ra.PredictiveMaintenance.PredictionHorizon, 24),
		}
	}
	return asset
}

func durationFromSeconds(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func stringOrDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
