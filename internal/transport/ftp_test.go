package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFTP 記錄呼叫的假連線
type fakeFTP struct {
	loginErr   error
	storErr    error
	sizeErr    error
	listErr    error
	remoteSize int64
	entries    []*ftp.Entry

	user, pass string
	typ        ftp.TransferType
	storedPath string
	stored     bytes.Buffer
	quits      int
}

func (f *fakeFTP) Login(user, password string) error {
	f.user, f.pass = user, password
	return f.loginErr
}

func (f *fakeFTP) Type(t ftp.TransferType) error {
	f.typ = t
	return nil
}

func (f *fakeFTP) Stor(path string, r io.Reader) error {
	f.storedPath = path
	if f.storErr != nil {
		return f.storErr
	}
	_, err := io.Copy(&f.stored, r)
	return err
}

func (f *fakeFTP) FileSize(string) (int64, error) {
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	if f.remoteSize >= 0 {
		return f.remoteSize, nil
	}
	return int64(f.stored.Len()), nil
}

func (f *fakeFTP) List(string) ([]*ftp.Entry, error) {
	return f.entries, f.listErr
}

func (f *fakeFTP) Quit() error {
	f.quits++
	return nil
}

func newTestFileChannel(conn *fakeFTP, dialErr error) (*FileChannel, *string) {
	ch := NewFileChannel(FileConfig{
		Address:  "192.168.1.50",
		Port:     990,
		Password: "12345678",
	}, logger.Nop())
	var dialed string
	ch.dial = func(addr string, _ ...ftp.DialOption) (ftpConn, error) {
		dialed = addr
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
	return ch, &dialed
}

func writeStaged(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "J1_cube.3mf")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestUploadSuccess(t *testing.T) {
	conn := &fakeFTP{remoteSize: -1}
	ch, dialed := newTestFileChannel(conn, nil)
	local := writeStaged(t, "PK\x03\x04payload")

	n, err := ch.Upload(context.Background(), local, "J1.3mf")
	require.NoError(t, err)

	assert.Equal(t, int64(11), n)
	assert.Equal(t, "192.168.1.50:990", *dialed)
	assert.Equal(t, "bblp", conn.user)
	assert.Equal(t, "12345678", conn.pass)
	assert.Equal(t, ftp.TransferTypeBinary, conn.typ)
	assert.Equal(t, "/cache/J1.3mf", conn.storedPath)
	assert.Equal(t, "PK\x03\x04payload", conn.stored.String())
	assert.Equal(t, 1, conn.quits)
}

func TestUploadAuthFailure(t *testing.T) {
	conn := &fakeFTP{loginErr: &textproto.Error{Code: ftp.StatusNotLoggedIn, Msg: "Login incorrect."}}
	ch, _ := newTestFileChannel(conn, nil)

	_, err := ch.Upload(context.Background(), writeStaged(t, "x"), "J1.3mf")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrAuthFailed)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ChannelTransfer, perr.Channel)
	assert.Equal(t, "transfer authentication failed", err.Error())
	assert.Equal(t, 1, conn.quits, "connection closed on failure path")
	assert.Empty(t, conn.storedPath)
}

func TestUploadConnectionRefused(t *testing.T) {
	ch, _ := newTestFileChannel(nil, errors.New("dial tcp 192.168.1.50:990: connection refused"))

	_, err := ch.Upload(context.Background(), writeStaged(t, "x"), "J1.3mf")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "connect", perr.Op)
}

func TestUploadVerifyMismatch(t *testing.T) {
	conn := &fakeFTP{remoteSize: 3}
	ch, _ := newTestFileChannel(conn, nil)

	_, err := ch.Upload(context.Background(), writeStaged(t, "abcdef"), "J1.3mf")
	assert.ErrorIs(t, err, ErrVerifyMismatch)
	assert.Equal(t, 1, conn.quits)
}

func TestUploadVerifyFallsBackToList(t *testing.T) {
	conn := &fakeFTP{
		sizeErr: &textproto.Error{Code: 502, Msg: "SIZE not implemented"},
		entries: []*ftp.Entry{{Name: "other.3mf", Size: 1}, {Name: "J1.3mf", Size: 6}},
	}
	ch, _ := newTestFileChannel(conn, nil)

	n, err := ch.Upload(context.Background(), writeStaged(t, "abcdef"), "J1.3mf")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestUploadStoreFailure(t *testing.T) {
	conn := &fakeFTP{storErr: &textproto.Error{Code: 553, Msg: "Could not create file."}}
	ch, _ := newTestFileChannel(conn, nil)

	_, err := ch.Upload(context.Background(), writeStaged(t, "abc"), "J1.3mf")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "store", perr.Op)
}

func TestUploadCancelled(t *testing.T) {
	conn := &fakeFTP{remoteSize: -1}
	ch, _ := newTestFileChannel(conn, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Upload(ctx, writeStaged(t, "abc"), "J1.3mf")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, conn.quits)
}

func TestUploadMissingLocalFile(t *testing.T) {
	ch, _ := newTestFileChannel(&fakeFTP{}, nil)
	_, err := ch.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "J1.3mf")
	require.Error(t, err)
	var perr *ProtocolError
	assert.False(t, errors.As(err, &perr))
}

func TestDialOptions(t *testing.T) {
	tlsCfg, err := NewTLSConfig(TLSOptions{ServerName: "printer", InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.NotNil(t, tlsCfg.ClientSessionCache)

	ch := NewFileChannel(FileConfig{TLS: tlsCfg, TLSMode: FTPExplicitTLS}, logger.Nop())
	assert.Len(t, ch.dialOptions(context.Background()), 2)
	assert.Equal(t, "/cache/a.3mf", ch.RemotePath("a.3mf"))
}

func TestNewTLSConfigBadCAFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(p, []byte("not a cert"), 0o644))

	_, err := NewTLSConfig(TLSOptions{CAFile: p})
	assert.Error(t, err)

	_, err = NewTLSConfig(TLSOptions{CAFile: filepath.Join(t.TempDir(), "nope.pem")})
	assert.Error(t, err)
}
