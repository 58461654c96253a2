package remote

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"

	"github.com/opencivic/datafetcher/modules/credentials"
	"github.com/opencivic/datafetcher/pkg/gate"
	"github.com/opencivic/datafetcher/pkg/retry"
)

// SFTPConfig describes one remote endpoint. Pools are keyed by Name and hold
// a single lazily-dialed session that is re-established after transient
// failures.
type SFTPConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`

	Password           flagext.Secret `yaml:"password"`
	PasswordCredential string         `yaml:"password_credential"`
	// PrivateKeyFile points at a PEM file on disk; PrivateKeyCredential
	// resolves the PEM content through the credentials provider.
	PrivateKeyFile       string         `yaml:"private_key_file"`
	PrivateKeyCredential string         `yaml:"private_key_credential"`
	PrivateKeyPassphrase flagext.Secret `yaml:"private_key_passphrase"`

	KnownHostsFile     string `yaml:"known_hosts_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Retry             retry.Config  `yaml:"retry"`
	Gates             gate.Config   `yaml:"gates"`
}

func (cfg *SFTPConfig) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.OperationProfile()
	}
}

func (cfg *SFTPConfig) key() string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// sftpConn is the slice of *sftp.Client the pool needs; tests substitute it.
type sftpConn interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// SFTPManager hands out per-endpoint pools, mirroring HTTPManager.
type SFTPManager struct {
	creds  credentials.Provider
	logger log.Logger

	mtx   sync.Mutex
	pools map[string]*sftpPool
}

func NewSFTP(creds credentials.Provider, logger log.Logger) *SFTPManager {
	return &SFTPManager{
		creds:  creds,
		logger: logger,
		pools:  map[string]*sftpPool{},
	}
}

// ReadDir lists path, excluding "." and "..".
func (m *SFTPManager) ReadDir(ctx context.Context, cfg SFTPConfig, path string) ([]os.FileInfo, error) {
	var out []os.FileInfo
	err := m.do(ctx, cfg, func(conn sftpConn) error {
		infos, err := conn.ReadDir(path)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, fi := range infos {
			if fi.Name() == "." || fi.Name() == ".." {
				continue
			}
			out = append(out, fi)
		}
		return nil
	})
	return out, err
}

func (m *SFTPManager) Stat(ctx context.Context, cfg SFTPConfig, path string) (os.FileInfo, error) {
	var out os.FileInfo
	err := m.do(ctx, cfg, func(conn sftpConn) error {
		fi, err := conn.Stat(path)
		if err != nil {
			return err
		}
		out = fi
		return nil
	})
	return out, err
}

// Open returns a streaming reader for the remote file. The reader is tied to
// the pool's session; a redial invalidates it, surfacing a read error to the
// consumer.
func (m *SFTPManager) Open(ctx context.Context, cfg SFTPConfig, path string) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := m.do(ctx, cfg, func(conn sftpConn) error {
		f, err := conn.Open(path)
		if err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (m *SFTPManager) Exists(ctx context.Context, cfg SFTPConfig, path string) (bool, error) {
	_, err := m.Stat(ctx, cfg, path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *SFTPManager) IsDir(ctx context.Context, cfg SFTPConfig, path string) (bool, error) {
	fi, err := m.Stat(ctx, cfg, path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func (m *SFTPManager) IsFile(ctx context.Context, cfg SFTPConfig, path string) (bool, error) {
	fi, err := m.Stat(ctx, cfg, path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// Shutdown closes every pooled session.
func (m *SFTPManager) Shutdown() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, p := range m.pools {
		p.closeConn()
	}
	m.pools = map[string]*sftpPool{}
}

func (m *SFTPManager) do(ctx context.Context, cfg SFTPConfig, op func(sftpConn) error) error {
	pool, err := m.pool(ctx, cfg)
	if err != nil {
		return err
	}
	return pool.do(ctx, op)
}

func (m *SFTPManager) pool(ctx context.Context, cfg SFTPConfig) (*sftpPool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if p, ok := m.pools[cfg.key()]; ok {
		return p, nil
	}

	p, err := newSFTPPool(ctx, cfg, m.creds, log.With(m.logger, "pool", cfg.key()))
	if err != nil {
		return nil, errors.Wrapf(err, "building sftp pool %s", cfg.key())
	}
	m.pools[cfg.key()] = p
	return p, nil
}

type sftpPool struct {
	cfg     SFTPConfig
	limiter *rate.Limiter
	gates   gate.Chain
	engine  *retry.Engine
	logger  log.Logger

	dial func(ctx context.Context) (sftpConn, error)

	mtx  sync.Mutex
	conn sftpConn
}

func newSFTPPool(ctx context.Context, cfg SFTPConfig, creds credentials.Provider, logger log.Logger) (*sftpPool, error) {
	cfg.applyDefaults()
	if cfg.Host == "" {
		return nil, errors.New("sftp host is required")
	}

	gates, err := cfg.Gates.Build()
	if err != nil {
		return nil, err
	}
	engine, err := retry.New(cfg.Retry)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	p := &sftpPool{
		cfg:     cfg,
		limiter: limiter,
		gates:   gates,
		engine:  engine,
		logger:  logger,
	}
	p.dial = func(ctx context.Context) (sftpConn, error) {
		return dialSFTP(ctx, cfg, creds, logger)
	}
	return p, nil
}

// do runs op against the pooled session with the gate+rate+retry discipline.
// A transient failure drops the session so the next attempt redials.
func (p *sftpPool) do(ctx context.Context, op func(sftpConn) error) error {
	return p.engine.Do(ctx, func(ctx context.Context) error {
		if err := p.gates.WaitIfNeeded(ctx); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		conn, err := p.acquire(ctx)
		if err != nil {
			return errors.Wrapf(err, "connecting to %s", p.cfg.key())
		}

		start := time.Now()
		err = op(conn)
		metricRequestDuration.WithLabelValues("sftp", p.cfg.key(), errLabel(err)).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		if isTransientSFTP(err) {
			level.Warn(p.logger).Log("msg", "sftp session lost, will redial", "err", err)
			metricRequestRetries.WithLabelValues("sftp", p.cfg.key()).Inc()
			p.drop(conn)
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *sftpPool) acquire(ctx context.Context) (sftpConn, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// drop closes conn and forgets it, unless a concurrent drop already replaced
// it.
func (p *sftpPool) drop(conn sftpConn) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.conn == conn {
		_ = conn.Close()
		p.conn = nil
	}
}

func (p *sftpPool) closeConn() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// isTransientSFTP reports whether err indicates a broken session rather than
// a failed operation.
func isTransientSFTP(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "use of closed network connection")
}

func errLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// sshSFTPConn owns both the SSH transport and the SFTP client on top of it.
type sshSFTPConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *sshSFTPConn) ReadDir(path string) ([]os.FileInfo, error) { return c.sftp.ReadDir(path) }
func (c *sshSFTPConn) Stat(path string) (os.FileInfo, error)      { return c.sftp.Stat(path) }

func (c *sshSFTPConn) Open(path string) (io.ReadCloser, error) { return c.sftp.Open(path) }

func (c *sshSFTPConn) Close() error {
	return multierr.Append(c.sftp.Close(), c.ssh.Close())
}

func dialSFTP(ctx context.Context, cfg SFTPConfig, creds credentials.Provider, logger log.Logger) (sftpConn, error) {
	methods, err := buildSSHAuthMethods(ctx, cfg, creds)
	if err != nil {
		return nil, err
	}
	callback, err := buildHostKeyCallback(cfg, logger)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         cfg.DialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	level.Debug(logger).Log("msg", "dialing sftp endpoint", "addr", addr)

	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "ssh dial %s", addr)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, errors.Wrap(err, "starting sftp subsystem")
	}

	return &sshSFTPConn{ssh: sshClient, sftp: sftpClient}, nil
}

func buildSSHAuthMethods(ctx context.Context, cfg SFTPConfig, creds credentials.Provider) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var pem []byte
	switch {
	case cfg.PrivateKeyCredential != "":
		content, err := resolveCredential(ctx, creds, "", cfg.PrivateKeyCredential)
		if err != nil {
			return nil, errors.Wrap(err, "resolving private key")
		}
		pem = []byte(content)
	case cfg.PrivateKeyFile != "":
		content, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading private key file")
		}
		pem = content
	}

	if len(pem) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if passphrase := cfg.PrivateKeyPassphrase.String(); passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, errors.Wrap(err, "parsing private key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	password, err := resolveCredential(ctx, creds, cfg.Password.String(), cfg.PasswordCredential)
	if err != nil {
		return nil, errors.Wrap(err, "resolving sftp password")
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no sftp authentication methods configured")
	}
	return methods, nil
}

func buildHostKeyCallback(cfg SFTPConfig, logger log.Logger) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "parsing known_hosts file")
		}
		return callback, nil
	}
	if cfg.InsecureSkipVerify {
		level.Warn(logger).Log("msg", "sftp host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, errors.New("no host key verification configured: set known_hosts_file or insecure_skip_verify")
}
