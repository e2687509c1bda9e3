// ============================================================================
// printbridge File Channel - FTPS 檔案傳輸
// ============================================================================
//
// Package: internal/transport
// 文件: ftp.go
// 功能: 將暫存檔以二進位模式上傳到裝置的列印目錄，並驗證遠端大小
//
// 連線生命週期:
//   每次傳輸建立一條連線，任何結束路徑（成功、錯誤、取消）都會 Quit。
//
// 錯誤分類:
//   登入失敗、連線被拒、驗證不符都是 *ProtocolError，對任務為致命錯誤，不重試。
//   ctx 取消時回傳 ctx.Err()。
//
// ============================================================================

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/jlaffaye/ftp"
)

// FTP TLS 模式
const (
	FTPImplicitTLS = "implicit"
	FTPExplicitTLS = "explicit"
)

// FileConfig 檔案通道設定
type FileConfig struct {
	Address   string
	Port      int
	User      string
	Password  string
	RemoteDir string
	TLSMode   string
	TLS       *tls.Config
	Timeout   time.Duration
}

// ftpConn jlaffaye/ftp ServerConn 中用到的部分
type ftpConn interface {
	Login(user, password string) error
	Type(transferType ftp.TransferType) error
	Stor(path string, r io.Reader) error
	FileSize(path string) (int64, error)
	List(path string) ([]*ftp.Entry, error)
	Quit() error
}

type ftpDialer func(addr string, options ...ftp.DialOption) (ftpConn, error)

func dialFTP(addr string, options ...ftp.DialOption) (ftpConn, error) {
	conn, err := ftp.Dial(addr, options...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FileChannel 檔案傳輸通道
type FileChannel struct {
	cfg  FileConfig
	dial ftpDialer
	log  *logger.Logger
}

// NewFileChannel 建立檔案通道（不會立即連線）
func NewFileChannel(cfg FileConfig, log *logger.Logger) *FileChannel {
	if cfg.User == "" {
		cfg.User = "bblp"
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/cache"
	}
	return &FileChannel{cfg: cfg, dial: dialFTP, log: log}
}

// RemotePath 遠端完整路徑
func (f *FileChannel) RemotePath(remoteName string) string {
	return path.Join(f.cfg.RemoteDir, remoteName)
}

// Upload 上傳本地檔案並驗證遠端大小
//
// 參數：
//   - ctx: 取消時中斷傳輸
//   - localPath: 已驗證的暫存檔
//   - remoteName: 裝置上的檔名（<jobID>.3mf）
//
// 返回值：
//   - int64: 已上傳的位元組數
//   - error: *ProtocolError 或 ctx.Err()
func (f *FileChannel) Upload(ctx context.Context, localPath, remoteName string) (int64, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open staged file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat staged file: %w", err)
	}
	size := info.Size()

	addr := net.JoinHostPort(f.cfg.Address, strconv.Itoa(f.cfg.Port))
	conn, err := f.dial(addr, f.dialOptions(ctx)...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, protocolErr(ChannelTransfer, "connect", err)
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil {
			f.log.Debugw("ftp quit failed", "error", qerr)
		}
	}()

	if err := conn.Login(f.cfg.User, f.cfg.Password); err != nil {
		if isNotLoggedIn(err) {
			return 0, protocolErr(ChannelTransfer, "login", ErrAuthFailed)
		}
		return 0, protocolErr(ChannelTransfer, "login", err)
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		return 0, protocolErr(ChannelTransfer, "type", err)
	}

	remote := f.RemotePath(remoteName)
	start := time.Now()
	if err := conn.Stor(remote, &ctxReader{ctx: ctx, r: file}); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, protocolErr(ChannelTransfer, "store", err)
	}

	got, err := f.remoteSize(conn, remote)
	if err != nil {
		return 0, protocolErr(ChannelTransfer, "verify", err)
	}
	if got != size {
		return 0, protocolErr(ChannelTransfer, "verify",
			fmt.Errorf("%w: local %d bytes, remote %d bytes", ErrVerifyMismatch, size, got))
	}

	f.log.Infow("artifact uploaded",
		"remote", remote,
		"bytes", size,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return size, nil
}

func (f *FileChannel) dialOptions(ctx context.Context) []ftp.DialOption {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if f.cfg.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(f.cfg.Timeout))
	}
	if f.cfg.TLS != nil {
		if f.cfg.TLSMode == FTPExplicitTLS {
			opts = append(opts, ftp.DialWithExplicitTLS(f.cfg.TLS))
		} else {
			opts = append(opts, ftp.DialWithTLS(f.cfg.TLS))
		}
	}
	return opts
}

// remoteSize SIZE 不支援時改用 LIST
func (f *FileChannel) remoteSize(conn ftpConn, remote string) (int64, error) {
	size, err := conn.FileSize(remote)
	if err == nil {
		return size, nil
	}
	f.log.Debugw("SIZE unsupported, falling back to LIST", "remote", remote, "error", err)

	entries, lerr := conn.List(path.Dir(remote))
	if lerr != nil {
		return 0, fmt.Errorf("size: %v, list: %w", err, lerr)
	}
	name := path.Base(remote)
	for _, e := range entries {
		if e.Name == name {
			return int64(e.Size), nil
		}
	}
	return 0, fmt.Errorf("%s not found after upload", remote)
}

func isNotLoggedIn(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusNotLoggedIn
}

// ctxReader ctx 取消後讓 Stor 的讀取失敗
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
