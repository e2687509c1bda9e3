// ============================================================================
// printbridge Config - 設定載入與驗證
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 設定檔、.env 檔與環境變數，並在啟動時驗證
//
// 載入順序（後者覆蓋前者）:
//   1. defaults() 內建預設值
//   2. YAML 設定檔（不存在時略過）
//   3. .env 檔（godotenv，只補入尚未設定的環境變數）
//   4. 環境變數 PRINTBRIDGE_* 以及舊版名稱 API_URL / BAMBU_IP 等
//
// 驗證:
//   缺少裝置位址、序號、存取碼、API 位址或金鑰、暫存目錄時，
//   Validate() 回傳錯誤，run 命令直接結束（不做執行期重試）。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FTP TLS 模式
const (
	TLSImplicit = "implicit" // 連線即 TLS（port 990）
	TLSExplicit = "explicit" // AUTH TLS 升級
)

// Config 系統完整設定
type Config struct {
	API      APIConfig      `yaml:"api"`
	Printer  PrinterConfig  `yaml:"printer"`
	Poller   PollerConfig   `yaml:"poller"`
	Stager   StagerConfig   `yaml:"stager"`
	Session  SessionConfig  `yaml:"session"`
	Reporter ReporterConfig `yaml:"reporter"`
	Worker   WorkerConfig   `yaml:"worker"`
	Admin    AdminConfig    `yaml:"admin"`
	Journal  JournalConfig  `yaml:"journal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig 後端 REST 設定
type APIConfig struct {
	URL            string        `yaml:"url"`
	Key            string        `yaml:"key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PrinterConfig 裝置描述（靜態設定）
type PrinterConfig struct {
	Address            string        `yaml:"address"`
	Serial             string        `yaml:"serial"`
	AccessCode         string        `yaml:"access_code"`
	FTPPort            int           `yaml:"ftp_port"`
	FTPTLSMode         string        `yaml:"ftp_tls_mode"`
	RemoteDir          string        `yaml:"remote_dir"`
	MQTTPort           int           `yaml:"mqtt_port"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	CAFile             string        `yaml:"ca_file"`
}

// PollerConfig 輪詢設定
type PollerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// StagerConfig 下載暫存設定
type StagerConfig struct {
	Dir      string        `yaml:"dir"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SessionConfig 列印工作階段的逾時設定
type SessionConfig struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	TelemetryTimeout time.Duration `yaml:"telemetry_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
}

// ReporterConfig 狀態回報設定
type ReporterConfig struct {
	ProgressInterval time.Duration `yaml:"progress_interval"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// WorkerConfig 阻塞操作的 Worker Pool 設定
type WorkerConfig struct {
	WorkerCount int `yaml:"worker_count"`
	BufferSize  int `yaml:"buffer_size"`
}

// AdminConfig 本地管理 API 設定
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// JournalConfig 狀態轉換日誌設定（Path 為空則停用）
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig 日誌設定
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		API: APIConfig{
			URL:            "http://localhost:8000",
			RequestTimeout: 15 * time.Second,
		},
		Printer: PrinterConfig{
			FTPPort:            990,
			FTPTLSMode:         TLSImplicit,
			RemoteDir:          "/cache",
			MQTTPort:           8883,
			ConnectTimeout:     10 * time.Second,
			InsecureSkipVerify: true,
		},
		Poller: PollerConfig{
			Interval:   30 * time.Second,
			MaxBackoff: 5 * time.Minute,
		},
		Stager: StagerConfig{
			Dir:      "/tmp/print-jobs",
			Attempts: 3,
			Backoff:  2 * time.Second,
			Timeout:  5 * time.Minute,
		},
		Session: SessionConfig{
			AckTimeout:       60 * time.Second,
			TelemetryTimeout: 120 * time.Second,
			UploadTimeout:    5 * time.Minute,
			ReconcileTimeout: 15 * time.Second,
		},
		Reporter: ReporterConfig{
			ProgressInterval: 10 * time.Second,
			BaseBackoff:      time.Second,
			MaxBackoff:       time.Minute,
		},
		Worker: WorkerConfig{
			WorkerCount: 2,
			BufferSize:  8,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8090",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default 回傳內建預設設定
func Default() *Config {
	return defaults()
}

// Load 依序套用預設值、YAML 檔、.env 檔與環境變數
//
// 參數：
//   - configPath: YAML 設定檔路徑（不存在時只用預設值）
//   - envFile: .env 檔路徑（空字串或不存在時略過）
//
// 返回值：
//   - *Config: 合併後的設定（尚未 Validate）
//   - error: 讀取或解析失敗
func Load(configPath, envFile string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envString 依序查找多個環境變數名稱，回傳第一個非空值
func envString(getenv func(string) string, names ...string) (string, bool) {
	for _, n := range names {
		if v := getenv(n); v != "" {
			return v, true
		}
	}
	return "", false
}

// envSeconds 解析秒數或 Go duration 格式（"30" 或 "30s"）
func envSeconds(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v, ok := envString(getenv, "PRINTBRIDGE_API_URL", "API_URL"); ok {
		c.API.URL = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_API_KEY", "API_KEY"); ok {
		c.API.Key = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_PRINTER_ADDRESS", "BAMBU_IP"); ok {
		c.Printer.Address = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_PRINTER_SERIAL", "BAMBU_SERIAL"); ok {
		c.Printer.Serial = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_PRINTER_ACCESS_CODE", "BAMBU_ACCESS_CODE"); ok {
		c.Printer.AccessCode = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_STAGING_DIR", "DOWNLOAD_DIR"); ok {
		c.Stager.Dir = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_LOG_LEVEL", "LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_POLL_INTERVAL", "POLL_INTERVAL_SECONDS"); ok {
		d, err := envSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid poll interval %q: %w", v, err)
		}
		c.Poller.Interval = d
	}
	if v, ok := envString(getenv, "PRINTBRIDGE_PROGRESS_INTERVAL", "PROGRESS_UPDATE_INTERVAL_SECONDS"); ok {
		d, err := envSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid progress interval %q: %w", v, err)
		}
		c.Reporter.ProgressInterval = d
	}
	return nil
}

// Validate 檢查必要欄位與數值範圍
func (c *Config) Validate() error {
	var missing []string
	if c.Printer.Address == "" {
		missing = append(missing, "printer.address")
	}
	if c.Printer.Serial == "" {
		missing = append(missing, "printer.serial")
	}
	if c.Printer.AccessCode == "" {
		missing = append(missing, "printer.access_code")
	}
	if c.API.URL == "" {
		missing = append(missing, "api.url")
	}
	if c.API.Key == "" {
		missing = append(missing, "api.key")
	}
	if c.Stager.Dir == "" {
		missing = append(missing, "stager.dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %v", missing)
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Poller.MaxBackoff < c.Poller.Interval {
		return fmt.Errorf("poll max backoff must be at least the poll interval")
	}
	if c.Reporter.ProgressInterval <= 0 {
		return fmt.Errorf("progress interval must be positive")
	}
	if c.Stager.Attempts < 1 {
		return fmt.Errorf("stager attempts must be at least 1")
	}
	if c.Session.AckTimeout <= 0 || c.Session.TelemetryTimeout <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Printer.FTPPort < 1 || c.Printer.FTPPort > 65535 {
		return fmt.Errorf("ftp port must be between 1 and 65535, got %d", c.Printer.FTPPort)
	}
	if c.Printer.MQTTPort < 1 || c.Printer.MQTTPort > 65535 {
		return fmt.Errorf("mqtt port must be between 1 and 65535, got %d", c.Printer.MQTTPort)
	}
	if c.Printer.FTPTLSMode != TLSImplicit && c.Printer.FTPTLSMode != TLSExplicit {
		return fmt.Errorf("invalid ftp tls mode: %s (valid: implicit, explicit)", c.Printer.FTPTLSMode)
	}
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (valid: console, json)", c.Logging.Format)
	}
	return nil
}
