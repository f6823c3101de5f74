package ssh

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/keelhq/keel/pkg/protocol"
)

// Kernel is a keel kernel booted on a remote host. It speaks the management
// protocol over the SSH session's stdio.
type Kernel struct {
	*protocol.Client

	client       *Client
	session      *ssh.Session
	remoteConfig string
	stderr       *tailBuffer
	closeOnce    sync.Once
	closeErr     error
}

// BootCommand returns the command that boots a kernel from configPath and serves
// the protocol on stdio.
func BootCommand(binary, configPath string) string {
	return fmt.Sprintf("%s boot --config %s", shellQuote(binary), shellQuote(configPath))
}

// StartKernel pushes the local configuration file to the remote host and boots a
// kernel from it. The pushed file is removed when the kernel is closed.
func (c *Client) StartKernel(ctx context.Context, localConfig string) (*Kernel, error) {
	remoteConfig := path.Join(c.config.RemoteDir, "keel-"+uuid.New().String()+filepath.Ext(localConfig))
	if _, err := c.PushFile(ctx, localConfig, remoteConfig, 0o600); err != nil {
		return nil, err
	}

	k, err := c.startKernel(ctx, remoteConfig)
	if err != nil {
		if rmErr := c.RemoveFile(remoteConfig); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", remoteConfig).Msg("failed to remove pushed config")
		}
		return nil, err
	}
	return k, nil
}

func (c *Client) startKernel(ctx context.Context, remoteConfig string) (*Kernel, error) {
	client, err := c.sshClient("kernel")
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "kernel", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "kernel", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "kernel", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr := &tailBuffer{limit: 16 * 1024}
	session.Stderr = stderr

	cmd := BootCommand(c.config.RemoteBinary, remoteConfig)
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "kernel", Err: fmt.Errorf("failed to start %q: %w", cmd, err)}
	}

	pc := protocol.NewClient(stdout, stdin)
	ready, err := pc.Start(ctx, c.config.ConnectionTimeout)
	if err != nil {
		_ = session.Close()
		if tail := stderr.String(); tail != "" {
			err = fmt.Errorf("%w (stderr: %s)", err, tail)
		}
		return nil, &TransportError{Op: "kernel", Err: err}
	}

	log.Info().
		Str("host", c.config.Host).
		Str("server", ready.Server).
		Int("pid", ready.PID).
		Msg("remote kernel ready")

	return &Kernel{
		Client:       pc,
		client:       c,
		session:      session,
		remoteConfig: remoteConfig,
		stderr:       stderr,
	}, nil
}

// Stderr returns the tail of the remote kernel's standard error.
func (k *Kernel) Stderr() string { return k.stderr.String() }

// Close ends the protocol stream, waits for the remote kernel to exit and
// removes the pushed configuration.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		var errs []error
		if err := k.Client.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := k.session.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("remote kernel: %w", err))
		}
		if err := k.client.RemoveFile(k.remoteConfig); err != nil {
			errs = append(errs, err)
		}
		k.closeErr = errors.Join(errs...)
	})
	return k.closeErr
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
