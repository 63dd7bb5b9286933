package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/confship/confship/internal/target"
)

type stubTargets struct {
	tgt *target.Target
	err error
}

func (s *stubTargets) GetByID(_ context.Context, _ string) (*target.Target, error) {
	return s.tgt, s.err
}

type stubDecryptor struct {
	plaintext []byte
	err       error
}

func (s *stubDecryptor) Decrypt(string) ([]byte, error) {
	return s.plaintext, s.err
}

func testDialer(t *testing.T, dial dialFunc) *SSHDialer {
	t.Helper()

	d := NewSSHDialer(Config{
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
		RetryAttempts:  3,
		RetryBackoff:   time.Millisecond,
		MaxRetryDelay:  4 * time.Millisecond,
	}, &stubTargets{tgt: &target.Target{
		ID:         "tgt-ab12cd34",
		Name:       "lounge",
		Host:       "10.0.0.10",
		Port:       22,
		User:       "deploy",
		Credential: "blob",
	}}, &stubDecryptor{plaintext: []byte("hunter2")})

	d.dial = dial
	return d
}

func TestDialRetriesConnectivity(t *testing.T) {
	var attempts int
	d := testDialer(t, func(_, _ string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		attempts++
		return nil, errors.New("dial tcp: connection refused")
	})

	_, err := d.Dial(context.Background(), "tgt-ab12cd34")
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("err = %v, want ErrConnectivity", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDialAuthFailureNotRetried(t *testing.T) {
	var attempts int
	d := testDialer(t, func(_, _ string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		attempts++
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")
	})

	_, err := d.Dial(context.Background(), "tgt-ab12cd34")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (auth failures must not be retried)", attempts)
	}
}

func TestDialStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts int
	d := testDialer(t, func(_, _ string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		attempts++
		cancel()
		return nil, errors.New("dial tcp: connection refused")
	})

	_, err := d.Dial(ctx, "tgt-ab12cd34")
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("err = %v, want ErrConnectivity", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", attempts)
	}
}

func TestDialDecryptFailureIsAuthError(t *testing.T) {
	d := NewSSHDialer(Config{RetryAttempts: 3, RetryBackoff: time.Millisecond},
		&stubTargets{tgt: &target.Target{Name: "lounge", Host: "h", Port: 22, User: "u", Credential: "bad"}},
		&stubDecryptor{err: errors.New("secrets: decryption failed")},
	)
	d.dial = func(_, _ string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		t.Fatal("dial must not be reached when the credential cannot be decrypted")
		return nil, nil
	}

	_, err := d.Dial(context.Background(), "tgt-ab12cd34")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestDialPassesUserAndAddr(t *testing.T) {
	var gotAddr, gotUser string
	d := testDialer(t, func(_, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		gotAddr = addr
		gotUser = cfg.User
		return nil, errors.New("stop here")
	})

	_, _ = d.Dial(context.Background(), "tgt-ab12cd34")
	if gotAddr != "10.0.0.10:22" {
		t.Errorf("addr = %q, want 10.0.0.10:22", gotAddr)
	}
	if gotUser != "deploy" {
		t.Errorf("user = %q, want deploy", gotUser)
	}
}

func TestDialUnknownTarget(t *testing.T) {
	d := NewSSHDialer(Config{}, &stubTargets{err: target.ErrNotFound}, &stubDecryptor{})

	_, err := d.Dial(context.Background(), "tgt-missing")
	if !errors.Is(err, target.ErrNotFound) {
		t.Fatalf("err = %v, want target.ErrNotFound", err)
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 10.0.0.10:22: i/o timeout"), false},
		{errors.New("ssh: handshake failed: ssh: unable to authenticate"), true},
		{errors.New("ssh: no supported methods remain"), true},
		{fmt.Errorf("wrapped: %w", errors.New("permission denied (publickey)")), true},
	}

	for _, tt := range tests {
		if got := isAuthError(tt.err); got != tt.want {
			t.Errorf("isAuthError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/etc/app", "'/etc/app'"},
		{"/etc/my app", "'/etc/my app'"},
		{"/etc/o'brien", `'/etc/o'\''brien'`},
	}

	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExcerptTruncates(t *testing.T) {
	long := make([]byte, excerptLimit*2)
	for i := range long {
		long[i] = 'x'
	}

	got := excerpt(long)
	if len(got) <= excerptLimit || len(got) > excerptLimit+4 {
		t.Errorf("excerpt length = %d, want just over %d", len(got), excerptLimit)
	}
	if excerpt([]byte("  short\n")) != "short" {
		t.Errorf("excerpt did not trim whitespace")
	}
}
