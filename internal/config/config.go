package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Recognized keys of the cluster service file.
const (
	KeyPort                 = "port"
	KeyIPFormat             = "ipformat"
	KeyActiveProcessLimit   = "activeProcessLimit"
	KeyPassiveProcessLimit  = "passiveProcessLimit"
	KeyConnectionLimit      = "connectionLimit"
	KeyIPScanRangeMin       = "ipScanRangeMin"
	KeyIPScanRangeMax       = "ipScanRangeMax"
	KeyHandshakeTimeout     = "handshakeTimeout"
	KeyScanTimeout          = "scanTimeout"
	KeyTransferTimeout      = "transferTimeout"
	KeyMonitorInterval      = "monitorInterval"
	KeyHeartbeatInterval    = "heartbeatInterval"
	KeyPeerFailureThreshold = "peerFailureThreshold"
	KeyCodeCacheSize        = "codeCacheSize"
	KeyScanParallelism      = "scanParallelism"
	KeyMaxTransferBytes     = "maxTransferBytes"
	KeyHTTPAddr             = "httpAddr"
	KeyAdvertiseHost        = "advertiseHost"
	KeyScanOnStart          = "scanOnStart"
	KeyReturnFailureRepeats = "returnFailureRepeats"

	// ScanPlaceholder is replaced by the scan index in the address template.
	ScanPlaceholder = "X"
)

// ClusterConfig holds all settings of the cluster connection manager
type ClusterConfig struct {
	// Wire settings
	Port             int           `json:"port"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	TransferTimeout  time.Duration `json:"transfer_timeout"`
	MaxTransferBytes int64         `json:"max_transfer_bytes"`

	// Discovery settings
	IPFormat        string        `json:"ip_format"`
	IPScanRangeMin  int           `json:"ip_scan_range_min"`
	IPScanRangeMax  int           `json:"ip_scan_range_max"`
	ScanTimeout     time.Duration `json:"scan_timeout"`
	ScanParallelism int           `json:"scan_parallelism"`
	ScanOnStart     bool          `json:"scan_on_start"`
	AdvertiseHost   string        `json:"advertise_host"` // Host peers use to reach this node for returns.

	// Execution settings
	ActiveProcessLimit   int           `json:"active_process_limit"`  // Reserved for the active-call role.
	PassiveProcessLimit  int           `json:"passive_process_limit"` // Reserved cap for submitted tasks.
	ConnectionLimit      int           `json:"connection_limit"`
	MonitorInterval      time.Duration `json:"monitor_interval"`
	CodeCacheSize        int           `json:"code_cache_size"`
	ReturnFailureRepeats int           `json:"return_failure_repeats"`

	// Peer upkeep
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	PeerFailureThreshold int           `json:"peer_failure_threshold"`

	// Admin API
	HTTPAddr string `json:"http_addr"`
}

// DefaultConfig returns a ClusterConfig with default values
func DefaultConfig() *ClusterConfig {
	return &ClusterConfig{
		Port:                 2100,
		HandshakeTimeout:     1000 * time.Millisecond,
		TransferTimeout:      30 * time.Second,
		MaxTransferBytes:     64 << 20, // 64MB
		IPFormat:             "192.168.1.X",
		IPScanRangeMin:       1,
		IPScanRangeMax:       253,
		ScanTimeout:          50 * time.Millisecond,
		ScanParallelism:      32,
		ScanOnStart:          true,
		ActiveProcessLimit:   20,
		PassiveProcessLimit:  10,
		ConnectionLimit:      5,
		MonitorInterval:      500 * time.Millisecond,
		CodeCacheSize:        256,
		ReturnFailureRepeats: 3,
		HeartbeatInterval:    30 * time.Second,
		PeerFailureThreshold: 5,
		HTTPAddr:             ":8080",
	}
}

// Parse reads flat key:value lines. Lines starting with # are comments; a
// line holding only a key maps it to "null".
func Parse(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !found {
			values[key] = "null"
			continue
		}
		values[key] = strings.TrimSpace(value)
	}
	return values, sc.Err()
}

// LoadConfig loads configuration from the key:value file at path, then
// applies CLUSTER_* environment overrides. A missing file is created with
// the defaults.
func LoadConfig(path string) (*ClusterConfig, error) {
	config := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			if err := config.Save(path); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("failed to open config: %v", err)
		default:
			values, err := Parse(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read config: %v", err)
			}
			config.Apply(values)
		}
	}

	config.ApplyEnv()
	return config, nil
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return "CLUSTER_" + strings.ToUpper(key)
}

// ApplyEnv overrides values from CLUSTER_<KEY> environment variables.
func (c *ClusterConfig) ApplyEnv() {
	values := make(map[string]string)
	for _, key := range keys {
		if v := os.Getenv(EnvName(key)); v != "" {
			values[key] = v
		}
	}
	c.Apply(values)
}

var keys = []string{
	KeyPort, KeyIPFormat, KeyActiveProcessLimit, KeyPassiveProcessLimit,
	KeyConnectionLimit, KeyIPScanRangeMin, KeyIPScanRangeMax, KeyHandshakeTimeout,
	KeyScanTimeout, KeyTransferTimeout, KeyMonitorInterval, KeyHeartbeatInterval,
	KeyPeerFailureThreshold, KeyCodeCacheSize, KeyScanParallelism, KeyMaxTransferBytes,
	KeyHTTPAddr, KeyAdvertiseHost, KeyScanOnStart, KeyReturnFailureRepeats,
}

// Apply sets recognized keys. Unknown keys and unparsable values are
// ignored and leave the current value in place.
func (c *ClusterConfig) Apply(values map[string]string) {
	setInt := func(key string, dst *int) {
		if v, ok := values[key]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := values[key]; ok {
			if d, err := parseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setInt(KeyPort, &c.Port)
	setInt(KeyActiveProcessLimit, &c.ActiveProcessLimit)
	setInt(KeyPassiveProcessLimit, &c.PassiveProcessLimit)
	setInt(KeyConnectionLimit, &c.ConnectionLimit)
	setInt(KeyIPScanRangeMin, &c.IPScanRangeMin)
	setInt(KeyIPScanRangeMax, &c.IPScanRangeMax)
	setInt(KeyPeerFailureThreshold, &c.PeerFailureThreshold)
	setInt(KeyCodeCacheSize, &c.CodeCacheSize)
	setInt(KeyScanParallelism, &c.ScanParallelism)
	setInt(KeyReturnFailureRepeats, &c.ReturnFailureRepeats)
	setDuration(KeyHandshakeTimeout, &c.HandshakeTimeout)
	setDuration(KeyScanTimeout, &c.ScanTimeout)
	setDuration(KeyTransferTimeout, &c.TransferTimeout)
	setDuration(KeyMonitorInterval, &c.MonitorInterval)
	setDuration(KeyHeartbeatInterval, &c.HeartbeatInterval)

	if v, ok := values[KeyMaxTransferBytes]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxTransferBytes = n
		}
	}
	if v, ok := values[KeyScanOnStart]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ScanOnStart = b
		}
	}
	if v, ok := values[KeyIPFormat]; ok && v != "null" {
		c.IPFormat = v
	}
	if v, ok := values[KeyHTTPAddr]; ok && v != "null" {
		c.HTTPAddr = v
	}
	if v, ok := values[KeyAdvertiseHost]; ok && v != "null" {
		c.AdvertiseHost = v
	}
}

// parseDuration accepts Go durations ("2s") and bare milliseconds ("1000").
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks if the configuration is valid
func (c *ClusterConfig) Validate() error {
	defaults := DefaultConfig()

	// An inverted scan range falls back to the default sweep
	if c.IPScanRangeMin > c.IPScanRangeMax {
		c.IPScanRangeMin = defaults.IPScanRangeMin
		c.IPScanRangeMax = defaults.IPScanRangeMax
	}
	if c.ConnectionLimit < 1 {
		c.ConnectionLimit = defaults.ConnectionLimit
	}
	if c.ScanParallelism < 1 {
		c.ScanParallelism = 1
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaults.MonitorInterval
	}
	if c.CodeCacheSize < 0 {
		c.CodeCacheSize = 0
	}
	if c.ReturnFailureRepeats < 1 {
		c.ReturnFailureRepeats = 1
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.Count(c.IPFormat, ScanPlaceholder) != 1 {
		return fmt.Errorf("ipformat %q must contain exactly one %q placeholder", c.IPFormat, ScanPlaceholder)
	}
	return nil
}

// Save writes the configuration as key:value lines.
func (c *ClusterConfig) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %v", err)
		}
	}

	var b strings.Builder
	b.WriteString("# cluster service configuration\n")
	for _, kv := range [][2]string{
		{KeyPort, strconv.Itoa(c.Port)},
		{KeyIPFormat, c.IPFormat},
		{KeyActiveProcessLimit, strconv.Itoa(c.ActiveProcessLimit)},
		{KeyPassiveProcessLimit, strconv.Itoa(c.PassiveProcessLimit)},
		{KeyConnectionLimit, strconv.Itoa(c.ConnectionLimit)},
		{KeyIPScanRangeMin, strconv.Itoa(c.IPScanRangeMin)},
		{KeyIPScanRangeMax, strconv.Itoa(c.IPScanRangeMax)},
		{KeyHandshakeTimeout, strconv.FormatInt(c.HandshakeTimeout.Milliseconds(), 10)},
		{KeyScanTimeout, strconv.FormatInt(c.ScanTimeout.Milliseconds(), 10)},
		{KeyTransferTimeout, strconv.FormatInt(c.TransferTimeout.Milliseconds(), 10)},
		{KeyMonitorInterval, strconv.FormatInt(c.MonitorInterval.Milliseconds(), 10)},
		{KeyHeartbeatInterval, strconv.FormatInt(c.HeartbeatInterval.Milliseconds(), 10)},
		{KeyPeerFailureThreshold, strconv.Itoa(c.PeerFailureThreshold)},
		{KeyCodeCacheSize, strconv.Itoa(c.CodeCacheSize)},
		{KeyScanParallelism, strconv.Itoa(c.ScanParallelism)},
		{KeyMaxTransferBytes, strconv.FormatInt(c.MaxTransferBytes, 10)},
		{KeyHTTPAddr, c.HTTPAddr},
		{KeyAdvertiseHost, c.AdvertiseHost},
		{KeyScanOnStart, strconv.FormatBool(c.ScanOnStart)},
		{KeyReturnFailureRepeats, strconv.Itoa(c.ReturnFailureRepeats)},
	} {
		if kv[1] == "" {
			b.WriteString(kv[0] + "\n")
			continue
		}
		b.WriteString(kv[0] + ":" + kv[1] + "\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// ScanAddress returns the host for scan index i.
func (c *ClusterConfig) ScanAddress(i int) string {
	return strings.Replace(c.IPFormat, ScanPlaceholder, strconv.Itoa(i), 1)
}
