package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/confship/confship/internal/secrets"
	"github.com/confship/confship/internal/target"
)

// Config contains transport settings shared across all targets.
type Config struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	MaxRetryDelay  time.Duration
	KnownHosts     string
}

// TargetSource provides target connection records.
type TargetSource interface {
	GetByID(ctx context.Context, id string) (*target.Target, error)
}

// dialFunc opens the underlying SSH connection. Injectable for tests.
type dialFunc func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// SSHDialer opens authenticated SSH sessions to targets.
//
// Credentials are decrypted per dial and zeroed as soon as the client
// configuration is built; plaintext never outlives the connection attempt.
// Dial retries connection failures with exponential backoff up to the
// configured attempt budget; authentication failures abort immediately.
type SSHDialer struct {
	cfg     Config
	targets TargetSource
	secrets secrets.Decryptor
	logger  Logger
	dial    dialFunc
}

// NewSSHDialer creates a dialer for the given target source and decryptor.
func NewSSHDialer(cfg Config, targets TargetSource, dec secrets.Decryptor) *SSHDialer {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	return &SSHDialer{
		cfg:     cfg,
		targets: targets,
		secrets: dec,
		logger:  noopLogger{},
		dial:    ssh.Dial,
	}
}

// SetLogger sets the logger for the dialer.
func (d *SSHDialer) SetLogger(logger Logger) {
	d.logger = logger
}

// Dial opens a session to the target, retrying connection failures.
func (d *SSHDialer) Dial(ctx context.Context, targetID string) (Session, error) {
	tgt, err := d.targets.GetByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("loading target %q: %w", targetID, err)
	}

	clientCfg, err := d.clientConfig(tgt)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(tgt.Host, strconv.Itoa(tgt.Port))
	delay := d.cfg.RetryBackoff

	var client *ssh.Client
	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		client, lastErr = d.dial("tcp", addr, clientCfg)
		if lastErr == nil {
			break
		}
		if isAuthError(lastErr) {
			return nil, fmt.Errorf("%w: target %s: %v", ErrAuthentication, tgt.Name, lastErr)
		}

		d.logger.Warn("ssh dial failed",
			"target", tgt.Name,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == d.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: target %s: %v", ErrConnectivity, tgt.Name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > d.cfg.MaxRetryDelay {
			delay = d.cfg.MaxRetryDelay
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: target %s after %d attempts: %v",
			ErrConnectivity, tgt.Name, d.cfg.RetryAttempts, lastErr)
	}

	d.logger.Debug("ssh session opened", "target", tgt.Name, "addr", addr)

	return &sshSession{
		client:  client,
		target:  tgt,
		timeout: d.cfg.CommandTimeout,
		logger:  d.logger,
	}, nil
}

// clientConfig builds the ssh.ClientConfig, decrypting the credential
// just-in-time and zeroing the plaintext before returning.
func (d *SSHDialer) clientConfig(tgt *target.Target) (*ssh.ClientConfig, error) {
	cred, err := d.secrets.Decrypt(tgt.Credential)
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: credential: %v", ErrAuthentication, tgt.Name, err)
	}
	defer zero(cred)

	var auth ssh.AuthMethod
	if signer, keyErr := ssh.ParsePrivateKey(cred); keyErr == nil {
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(string(cred))
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in: known_hosts unset means closed lab network
	if d.cfg.KnownHosts != "" {
		cb, khErr := knownhosts.New(d.cfg.KnownHosts)
		if khErr != nil {
			return nil, fmt.Errorf("loading known_hosts %q: %w", d.cfg.KnownHosts, khErr)
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            tgt.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.ConnectTimeout,
	}, nil
}

// isAuthError reports whether a dial failure is an authentication rejection
// rather than a connectivity problem. The ssh package does not export a
// sentinel for this, so the handshake error text is matched.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

// zero overwrites a credential buffer.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// sshSession implements Session over one ssh.Client connection.
type sshSession struct {
	client  *ssh.Client
	target  *target.Target
	timeout time.Duration
	logger  Logger

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// killGrace is how long to wait for a signalled command to exit before
// declaring it orphaned.
const killGrace = 2 * time.Second

// Run executes a command and captures exit code and output.
func (s *sshSession) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	return s.run(ctx, command, timeout, nil)
}

// run executes a command with optional stdin.
func (s *sshSession) run(ctx context.Context, command string, timeout time.Duration, stdin *bytes.Reader) (*Result, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: opening session: %v", ErrConnectivity, err)
	}
	defer sess.Close() //nolint:errcheck // best effort; Wait already consumed the result

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("%w: starting command: %v", ErrConnectivity, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return s.result(&stdout, &stderr, waitErr)

	case <-ctx.Done():
		return s.interrupt(sess, done, &stdout, &stderr, command, ctx.Err())

	case <-timer.C:
		return s.interrupt(sess, done, &stdout, &stderr, command, fmt.Errorf("after %v", timeout))
	}
}

// interrupt signals a running command and waits briefly for it to die.
// If it does not, the result is marked orphaned: the remote process may
// still be running and the caller must treat the target as suspect.
func (s *sshSession) interrupt(sess *ssh.Session, done chan error, stdout, stderr *bytes.Buffer, command string, cause error) (*Result, error) {
	_ = sess.Signal(ssh.SIGKILL)

	res := &Result{ExitCode: -1}
	select {
	case <-done:
	case <-time.After(killGrace):
		res.Orphaned = true
		s.logger.Warn("remote command orphaned",
			"target", s.target.Name,
			"command", command,
		)
	}
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	return res, fmt.Errorf("%w: %s: %v", ErrTimeout, s.target.Name, cause)
}

// result maps a Wait error onto an exit code. A non-zero exit is data, not
// a transport failure.
func (s *sshSession) result(stdout, stderr *bytes.Buffer, waitErr error) (*Result, error) {
	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	switch {
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else {
			// Connection dropped before the exit status arrived.
			return nil, fmt.Errorf("%w: waiting for command: %v", ErrConnectivity, waitErr)
		}
	}
	return res, nil
}

// Push extracts the archive into the remote directory.
func (s *sshSession) Push(ctx context.Context, dir string, archive []byte) error {
	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf - -C %s", shellQuote(dir), shellQuote(dir))
	res, err := s.run(ctx, cmd, s.timeout, bytes.NewReader(archive))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("extracting archive on %s: exit %d: %s",
			s.target.Name, res.ExitCode, excerpt(res.Stderr))
	}
	return nil
}

// Fetch archives the remote directory and returns the tarball bytes.
func (s *sshSession) Fetch(ctx context.Context, dir string) ([]byte, error) {
	cmd := fmt.Sprintf("tar -czf - -C %s .", shellQuote(dir))
	res, err := s.run(ctx, cmd, s.timeout, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("archiving %s on %s: exit %d: %s",
			dir, s.target.Name, res.ExitCode, excerpt(res.Stderr))
	}
	return res.Stdout, nil
}

// HealthCheck runs the target's health command.
func (s *sshSession) HealthCheck(ctx context.Context) error {
	cmd := s.target.HealthCmd
	if cmd == "" {
		cmd = "true"
	}
	res, err := s.run(ctx, cmd, s.timeout, nil)
	if err != nil {
		return fmt.Errorf("health check on %s: %w", s.target.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("health check on %s: exit %d: %s",
			s.target.Name, res.ExitCode, excerpt(res.Stderr))
	}
	return nil
}

// Close releases the SSH connection.
func (s *sshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.client.Close()
	})
	return err
}

func (s *sshSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// excerptLimit bounds stderr excerpts embedded in error messages.
const excerptLimit = 512

// excerpt trims command output for inclusion in an error message.
func excerpt(b []byte) string {
	out := strings.TrimSpace(string(b))
	if len(out) > excerptLimit {
		out = out[:excerptLimit] + "…"
	}
	return out
}

// shellQuote wraps a path in single quotes, escaping embedded quotes.
// Paths come from validated target records, but quoting keeps spaces and
// metacharacters inert.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
