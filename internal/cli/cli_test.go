package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/printbridge/internal/config"
	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const validConfig = `
api:
  url: http://queue.local:8000
  key: secret-key
printer:
  address: 192.168.1.50
  serial: 01P00A000000001
  access_code: "12345678"
stager:
  dir: %s
poller:
  interval: 5s
  max_backoff: 1m
admin:
  enabled: true
  listen: 127.0.0.1:18090
journal:
  path: %s
`

// clearEnv 避免執行環境中的變數影響設定載入
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PRINTBRIDGE_API_URL", "API_URL", "PRINTBRIDGE_API_KEY", "API_KEY",
		"PRINTBRIDGE_PRINTER_ADDRESS", "BAMBU_IP", "PRINTBRIDGE_PRINTER_SERIAL", "BAMBU_SERIAL",
		"PRINTBRIDGE_PRINTER_ACCESS_CODE", "BAMBU_ACCESS_CODE", "PRINTBRIDGE_STAGING_DIR", "DOWNLOAD_DIR",
		"PRINTBRIDGE_LOG_LEVEL", "LOG_LEVEL", "PRINTBRIDGE_POLL_INTERVAL", "POLL_INTERVAL_SECONDS",
		"PRINTBRIDGE_PROGRESS_INTERVAL", "PROGRESS_UPDATE_INTERVAL_SECONDS",
	} {
		t.Setenv(name, "")
	}
}

// useConfig 寫入臨時設定檔並指向它
func useConfig(t *testing.T, content string) string {
	t.Helper()
	clearEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "printbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	oldConfig, oldEnv := configFile, envFile
	configFile = path
	envFile = filepath.Join(tmpDir, "missing.env")
	t.Cleanup(func() { configFile, envFile = oldConfig, oldEnv })
	return tmpDir
}

func useValidConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := strings.Replace(validConfig, "%s", filepath.Join(dir, "jobs"), 1)
	content = strings.Replace(content, "%s", filepath.Join(dir, "journal.db"), 1)
	useConfig(t, content)
	return dir
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "printbridge", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "status", "cancel", "config"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)

	envFlag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, envFlag, "Should have --env-file flag")
	assert.Equal(t, ".env", envFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildCancelCommand(t *testing.T) {
	cmd := buildCancelCommand()

	assert.Equal(t, "cancel", cmd.Use)
	for _, name := range []string{"addr", "job", "reason"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.Flags().Lookup("addr"))
	assert.NotNil(t, cmd.RunE)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	dir := useValidConfig(t)

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://queue.local:8000", cfg.API.URL)
	assert.Equal(t, "192.168.1.50", cfg.Printer.Address)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, filepath.Join(dir, "jobs"), cfg.Stager.Dir)
	// 未設定的欄位沿用預設值
	assert.Equal(t, 990, cfg.Printer.FTPPort)
	assert.Equal(t, config.TLSImplicit, cfg.Printer.FTPTLSMode)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	useConfig(t, "api:\n  url: http://queue.local\n")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "printer.address")
	assert.Contains(t, err.Error(), "api.key")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	useConfig(t, "api: [unclosed")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestPrintConfigMasksSecrets(t *testing.T) {
	useValidConfig(t)
	cfg, err := loadConfig()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printConfig(&out, cfg))

	assert.NotContains(t, out.String(), "secret-key")
	assert.NotContains(t, out.String(), "12345678")
	assert.Contains(t, out.String(), maskedSecret)

	var decoded config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, cfg.Printer.Address, decoded.Printer.Address)
	assert.Equal(t, cfg.Poller.Interval, decoded.Poller.Interval)

	// 原設定不受影響
	assert.Equal(t, "secret-key", cfg.API.Key)
}

func TestConfigCommand(t *testing.T) {
	useValidConfig(t)

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", configFile, "--env-file", envFile})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "serial: 01P00A000000001")
}

func TestAdminBaseURL(t *testing.T) {
	useValidConfig(t)

	base, err := adminBaseURL("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:18090", base)

	base, err = adminBaseURL("http://10.0.0.2:9000/")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:9000", base)

	base, err = adminBaseURL("localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", base)
}

func TestShowStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/session", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"state": "printing",
			"job_id": "J1",
			"filename": "cube.3mf",
			"progress": 42,
			"transfer": "done",
			"last_acked": "printing",
			"reconnects": 1,
			"uptime": "5m0s",
			"pending_reports": 0,
			"device": {"file_channel_ok": true, "telemetry_connected": true, "last_state": "running"},
			"last_outcome": {"job_id": "J0", "status": "failed", "reason": "timeout: no ack"}
		}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, srv.URL))

	text := out.String()
	assert.Contains(t, text, "State:        printing")
	assert.Contains(t, text, "Job:          J1 (cube.3mf)")
	assert.Contains(t, text, "Progress:     42%")
	assert.Contains(t, text, "Reconnects:   1")
	assert.Contains(t, text, "Last outcome: J0 failed (timeout: no ack)")
}

func TestShowStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out bytes.Buffer
	assert.Error(t, showStatus(&out, srv.URL))

	srv.Close()
	assert.Error(t, showStatus(&out, srv.URL), "closed server should be unreachable")
}

func TestCancelSession(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/session/cancel", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"cancelling"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, cancelSession(&out, srv.URL, "J1", "wrong filament"))
	assert.Equal(t, "J1", got["job_id"])
	assert.Equal(t, "wrong filament", got["reason"])
	assert.Contains(t, out.String(), "Cancellation requested")
}

func TestCancelSessionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"no active print session"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := cancelSession(&out, srv.URL, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "no active print session")
}

func TestBuildApp(t *testing.T) {
	useValidConfig(t)
	cfg, err := loadConfig()
	require.NoError(t, err)

	a, err := buildApp(cfg, logger.Nop())
	require.NoError(t, err)
	defer a.closeJournal()

	require.NotNil(t, a.ctrl)
	require.NotNil(t, a.journal, "journal path is set")
	require.NotNil(t, a.handler, "admin is enabled")

	// Admin 路由已接上 Controller 與 journal
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"idle"`)

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBuildAppWithoutAdmin(t *testing.T) {
	useValidConfig(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	cfg.Admin.Enabled = false
	cfg.Journal.Path = ""

	a, err := buildApp(cfg, logger.Nop())
	require.NoError(t, err)
	assert.Nil(t, a.handler)
	assert.Nil(t, a.journal)
}

func TestBuildAppBadCAFile(t *testing.T) {
	useValidConfig(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	cfg.Printer.CAFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err = buildApp(cfg, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls")
}
