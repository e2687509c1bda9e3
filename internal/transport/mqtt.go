// ============================================================================
// printbridge Telemetry Channel - MQTT 指令與遙測通道
// ============================================================================
//
// Package: internal/transport
// 文件: mqtt.go
// 功能: 與裝置維持常駐 TLS MQTT 連線，送出指令並把回報轉成事件
//
// 連線流程:
//   Connect -> OnConnect: 訂閱 device/<serial>/report -> pushall -> ChannelState{Connected}
//   斷線時 paho 自動重連，每次重連都重新訂閱；開始列印指令永遠不會因重連而重送。
//
// 遙測靜默:
//   Watch(job, true) 後若超過 SilenceTimeout 沒有任何回報，送出 TelemetrySilence。
//
// 事件:
//   所有結果都透過 EventSink 送回狀態機，本通道不修改工作階段狀態。
//
// ============================================================================

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/session"
	"github.com/ChuLiYu/printbridge/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

// EventSink 接收通道產生的事件
type EventSink func(session.Event)

// TelemetryConfig 指令/遙測通道設定
type TelemetryConfig struct {
	Address        string
	Port           int
	Serial         string
	User           string
	AccessCode     string
	RemoteDir      string
	TLS            *tls.Config
	ConnectTimeout time.Duration
	SilenceTimeout time.Duration
}

// mqttClient paho Client 中用到的部分
type mqttClient interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type clientFactory func(opts *mqtt.ClientOptions) mqttClient

func newPahoClient(opts *mqtt.ClientOptions) mqttClient {
	return mqtt.NewClient(opts)
}

// TelemetryChannel 指令/遙測通道
type TelemetryChannel struct {
	cfg       TelemetryConfig
	sink      EventSink
	log       *logger.Logger
	newClient clientFactory
	now       func() time.Time

	client mqttClient

	mu         sync.Mutex
	connected  bool
	last       session.DeviceReport
	hasReport  bool
	watching   types.JobID
	watchTimer *time.Timer
}

// NewTelemetryChannel 建立通道（尚未連線）
func NewTelemetryChannel(cfg TelemetryConfig, sink EventSink, log *logger.Logger) *TelemetryChannel {
	if cfg.User == "" {
		cfg.User = "bblp"
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/cache"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &TelemetryChannel{
		cfg:       cfg,
		sink:      sink,
		log:       log,
		newClient: newPahoClient,
		now:       time.Now,
	}
}

// ReportTopic 裝置回報 topic
func (c *TelemetryChannel) ReportTopic() string {
	return "device/" + c.cfg.Serial + "/report"
}

// RequestTopic 指令 topic
func (c *TelemetryChannel) RequestTopic() string {
	return "device/" + c.cfg.Serial + "/request"
}

// ============================================================================
// 連線管理
// ============================================================================

// Connect 建立 MQTT 連線
//
// 第一次連線失敗時回傳錯誤，由呼叫端決定重試；連上之後的斷線由 paho 自動重連。
// 存取碼錯誤回傳包著 ErrAuthFailed 的 *ProtocolError。
func (c *TelemetryChannel) Connect(ctx context.Context) error {
	if c.client == nil {
		c.client = c.newClient(c.options())
	}

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		return protocolErr(ChannelTelemetry, "connect", fmt.Errorf("no connack within %s", c.cfg.ConnectTimeout))
	}
	if err := token.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return protocolErr(ChannelTelemetry, "connect", ErrAuthFailed)
		}
		return protocolErr(ChannelTelemetry, "connect", err)
	}
	return nil
}

func (c *TelemetryChannel) options() *mqtt.ClientOptions {
	broker := "ssl://" + net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("printbridge-" + uuid.NewString()[:8]).
		SetUsername(c.cfg.User).
		SetPassword(c.cfg.AccessCode).
		SetTLSConfig(c.cfg.TLS).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.handleConnectionLost(err) })
	return opts
}

// handleConnect 每次（重新）連線：先訂閱，再要求完整狀態
func (c *TelemetryChannel) handleConnect() {
	token := c.client.Subscribe(c.ReportTopic(), 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg.Payload())
	})
	if err := waitToken(token, c.cfg.ConnectTimeout); err != nil {
		c.log.Errorw("subscribe failed", "topic", c.ReportTopic(), "error", err)
		c.setConnected(false)
		c.sink(session.ChannelState{Connected: false, Err: protocolErr(ChannelTelemetry, "subscribe", err)})
		return
	}

	if err := waitToken(c.client.Publish(c.RequestTopic(), 0, false, PushAllCommand()), c.cfg.ConnectTimeout); err != nil {
		c.log.Warnw("pushall failed", "error", err)
	}

	c.setConnected(true)
	c.log.Infow("telemetry channel connected", "topic", c.ReportTopic())
	c.sink(session.ChannelState{Connected: true})
}

func (c *TelemetryChannel) handleConnectionLost(err error) {
	c.setConnected(false)
	c.log.Warnw("telemetry channel lost", "error", err)
	c.sink(session.ChannelState{Connected: false, Err: err})
}

func (c *TelemetryChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Close 停止監控並中斷連線
func (c *TelemetryChannel) Close() {
	c.mu.Lock()
	if c.watchTimer != nil {
		c.watchTimer.Stop()
		c.watchTimer = nil
	}
	c.watching = ""
	c.connected = false
	c.mu.Unlock()

	if c.client != nil {
		c.client.Disconnect(250)
	}
}

// ============================================================================
// 遙測處理
// ============================================================================

func (c *TelemetryChannel) handleMessage(payload []byte) {
	report, err := ParseReport(payload, c.now())
	if err != nil {
		if errors.Is(err, ErrNoPrintSection) {
			return
		}
		c.log.Warnw("unparseable device report", "error", err, "bytes", len(payload))

		// 工作進行中收到無法解析的回報視為協定錯誤
		c.mu.Lock()
		jobID := c.watching
		c.mu.Unlock()
		if jobID != "" {
			c.sink(session.ProtocolFault{JobID: jobID, Failure: session.Failure{
				Kind:   session.FailureProtocol,
				Detail: fmt.Sprintf("malformed device report: %v", err),
			}})
		}
		return
	}

	c.mu.Lock()
	c.last = MergeReport(c.last, report)
	c.hasReport = true
	if c.watchTimer != nil {
		c.watchTimer.Reset(c.cfg.SilenceTimeout)
	}
	c.mu.Unlock()

	c.sink(session.Telemetry{Report: report})
}

// Watch 啟用或停用某個工作的遙測靜默監控
func (c *TelemetryChannel) Watch(jobID types.JobID, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watchTimer != nil {
		c.watchTimer.Stop()
		c.watchTimer = nil
	}
	c.watching = ""
	if !active || c.cfg.SilenceTimeout <= 0 {
		return
	}

	c.watching = jobID
	started := c.now()
	c.watchTimer = time.AfterFunc(c.cfg.SilenceTimeout, func() {
		c.mu.Lock()
		if c.watching != jobID {
			c.mu.Unlock()
			return
		}
		since := started
		if c.hasReport && c.last.ReceivedAt.After(since) {
			since = c.last.ReceivedAt
		}
		c.mu.Unlock()
		c.sink(session.TelemetrySilence{JobID: jobID, Silence: c.now().Sub(since)})
	})
}

// Connected 通道目前是否連線
func (c *TelemetryChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Ready 已連線且裝置回報可接受新任務
func (c *TelemetryChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.hasReport && c.last.State.Ready()
}

// LastReport 合併後的最新裝置狀態
func (c *TelemetryChannel) LastReport() (session.DeviceReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasReport
}

// ============================================================================
// 指令
// ============================================================================

// StartPrint 清除殘留錯誤後送出開始列印指令（只送一次）
func (c *TelemetryChannel) StartPrint(ctx context.Context, remoteName, token string) error {
	if err := c.publish(ctx, "clean_print_error", CleanPrintErrorCommand()); err != nil {
		return err
	}
	if err := c.publish(ctx, "project_file", ProjectFileCommand(c.cfg.RemoteDir, remoteName, token)); err != nil {
		return err
	}
	c.log.Infow("start command published", "remote", remoteName, "token", token)
	return nil
}

// StopPrint 要求裝置停止列印
func (c *TelemetryChannel) StopPrint(ctx context.Context) error {
	return c.publish(ctx, "stop", StopCommand())
}

func (c *TelemetryChannel) publish(ctx context.Context, op string, payload []byte) error {
	if c.client == nil || !c.Connected() {
		return protocolErr(ChannelTelemetry, op, ErrNotConnected)
	}
	token := c.client.Publish(c.RequestTopic(), 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		return protocolErr(ChannelTelemetry, op, fmt.Errorf("publish not completed within %s", c.cfg.ConnectTimeout))
	}
	if err := token.Error(); err != nil {
		return protocolErr(ChannelTelemetry, op, err)
	}
	return nil
}

func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}
