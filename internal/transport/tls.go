package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSOptions 裝置 TLS 設定
type TLSOptions struct {
	ServerName         string
	InsecureSkipVerify bool
	CAFile             string
}

// NewTLSConfig 建立連線裝置用的 tls.Config
//
// 裝置使用自簽憑證，預設不驗證。設定 CAFile 時改用該 CA 驗證。
// FTP 資料連線需要沿用控制連線的 TLS session，因此一定帶 ClientSessionCache。
func NewTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // device certificates are self-signed
		ClientSessionCache: tls.NewLRUClientSessionCache(16),
		MinVersion:         tls.VersionTLS12,
	}
	if opts.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s contains no certificates", opts.CAFile)
	}
	cfg.RootCAs = pool
	cfg.InsecureSkipVerify = false
	return cfg, nil
}
