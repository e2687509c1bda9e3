// ============================================================================
// printbridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，負責載入設定、組裝元件並管理生命週期
//
// Command Structure:
//   printbridge                    # Root command
//   ├── run                        # 啟動控制器（輪詢 → 下載 → 上傳 → 列印 → 回報）
//   ├── status                     # 透過 Admin API 查詢目前工作階段
//   │   └── --addr                # Admin API 位址（預設取設定檔 admin.listen）
//   ├── cancel                     # 取消目前工作階段
//   │   ├── --job                 # 只在目前任務為此 ID 時取消
//   │   └── --reason              # 取消原因
//   ├── config                     # 驗證並印出生效中的設定（機密遮蔽）
//   ├── --config, -c              # 設定檔路徑（預設 configs/default.yaml）
//   ├── --env-file                # .env 檔路徑（預設 .env）
//   └── --version
//
// run Command:
//   1. 載入並驗證設定（缺少必要欄位直接結束）
//   2. 組裝 queue client、stager、FTPS/MQTT 通道、reporter、journal
//   3. 啟動 Controller 與 Admin API（若啟用）
//   4. 等待 SIGINT / SIGTERM
//   5. 關閉 Admin API → 停止 Controller（送出最後狀態） → 關閉 journal
//
// ============================================================================

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/printbridge/internal/config"
	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	shutdownTimeout = 15 * time.Second
	adminTimeout    = 5 * time.Second
	maskedSecret    = "********"
)

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "printbridge",
		Short: "printbridge: cloud print queue to Bambu printer bridge",
		Long: `printbridge claims approved jobs from the print queue backend,
downloads the model file, uploads it to the printer over FTPS,
starts the print over MQTT and reports progress back to the queue.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

// loadConfig 載入並驗證設定
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the printer bridge controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController()
		},
	}
}

func runController() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = log.Sync() }()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		a.closeJournal()
		return err
	}

	log.Infow("printbridge started",
		"printer", cfg.Printer.Address,
		"serial", cfg.Printer.Serial,
		"api", cfg.API.URL,
		"pollInterval", cfg.Poller.Interval,
		"admin", cfg.Admin.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Infow("received shutdown signal, stopping gracefully", "signal", sig.String())
	a.shutdown(shutdownTimeout)
	log.Infow("printbridge stopped")
	return nil
}

// ============================================================================
// status / cancel
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current print session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := adminBaseURL(addr)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), base)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default: admin.listen from config)")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var addr, jobID, reason string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the current print session",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := adminBaseURL(addr)
			if err != nil {
				return err
			}
			return cancelSession(cmd.OutOrStdout(), base, jobID, reason)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default: admin.listen from config)")
	cmd.Flags().StringVar(&jobID, "job", "", "only cancel if this job is the active session")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason reported to the queue")
	return cmd
}

// adminBaseURL 決定 Admin API 位址：旗標優先，否則讀設定檔（不要求完整驗證）
func adminBaseURL(addr string) (string, error) {
	if addr == "" {
		cfg, err := config.Load(configFile, envFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Admin.Listen
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

type sessionView struct {
	State          string `json:"state"`
	JobID          string `json:"job_id"`
	Filename       string `json:"filename"`
	Progress       *int   `json:"progress"`
	Transfer       string `json:"transfer"`
	LastAcked      string `json:"last_acked"`
	Reconnects     int    `json:"reconnects"`
	Uptime         string `json:"uptime"`
	PendingReports int    `json:"pending_reports"`
	Device         struct {
		FileChannelOK      bool   `json:"file_channel_ok"`
		TelemetryConnected bool   `json:"telemetry_connected"`
		LastState          string `json:"last_state"`
	} `json:"device"`
	LastOutcome *struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"last_outcome"`
}

func showStatus(w io.Writer, base string) error {
	client := &http.Client{Timeout: adminTimeout}
	resp, err := client.Get(base + "/api/v1/session")
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}

	var v sessionView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}

	fmt.Fprintln(w, "=== printbridge status ===")
	fmt.Fprintf(w, "State:        %s\n", v.State)
	if v.JobID != "" {
		fmt.Fprintf(w, "Job:          %s (%s)\n", v.JobID, v.Filename)
		if v.Progress != nil {
			fmt.Fprintf(w, "Progress:     %d%%\n", *v.Progress)
		}
		if v.Transfer != "" {
			fmt.Fprintf(w, "Transfer:     %s\n", v.Transfer)
		}
		if v.LastAcked != "" {
			fmt.Fprintf(w, "Last acked:   %s\n", v.LastAcked)
		}
	}
	fmt.Fprintf(w, "Device:       %s (ftp ok=%t, mqtt connected=%t)\n",
		v.Device.LastState, v.Device.FileChannelOK, v.Device.TelemetryConnected)
	fmt.Fprintf(w, "Reconnects:   %d\n", v.Reconnects)
	fmt.Fprintf(w, "Pending:      %d status update(s)\n", v.PendingReports)
	fmt.Fprintf(w, "Uptime:       %s\n", v.Uptime)
	if o := v.LastOutcome; o != nil {
		if o.Reason != "" {
			fmt.Fprintf(w, "Last outcome: %s %s (%s)\n", o.JobID, o.Status, o.Reason)
		} else {
			fmt.Fprintf(w, "Last outcome: %s %s\n", o.JobID, o.Status)
		}
	}
	return nil
}

func cancelSession(w io.Writer, base, jobID, reason string) error {
	payload, err := json.Marshal(map[string]string{"job_id": jobID, "reason": reason})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: adminTimeout}
	resp, err := client.Post(base+"/api/v1/session/cancel", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode != http.StatusAccepted {
		if body.Error != "" {
			return fmt.Errorf("cancel rejected (%d): %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("cancel rejected: %s", resp.Status)
	}
	fmt.Fprintln(w, "Cancellation requested")
	return nil
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

// printConfig 以 YAML 輸出設定，遮蔽機密欄位
func printConfig(w io.Writer, cfg *config.Config) error {
	masked := *cfg
	if masked.API.Key != "" {
		masked.API.Key = maskedSecret
	}
	if masked.Printer.AccessCode != "" {
		masked.Printer.AccessCode = maskedSecret
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = w.Write(out)
	return err
}
