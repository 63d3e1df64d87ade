package bastion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Tunnel holds one SSH client to the jump host. The client is established on
// first use and shared by every dial and upload; a dead client is replaced on
// the next call.
type Tunnel struct {
	settings Settings
	log      *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// New returns an unconnected tunnel.
func New(settings Settings, log *zap.Logger) *Tunnel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tunnel{settings: settings, log: log}
}

// Settings returns the resolved connection parameters.
func (t *Tunnel) Settings() Settings { return t.settings }

// Client returns the shared SSH client, connecting if needed.
func (t *Tunnel) Client(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	conf, err := clientConfig(t.settings)
	if err != nil {
		return nil, err
	}

	addr := t.settings.Address()
	d := net.Dialer{Timeout: conf.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bastion %s: dial %s: %w", t.settings.Alias, addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bastion %s: handshake: %w", t.settings.Alias, err)
	}
	_ = conn.SetDeadline(time.Time{})

	t.client = ssh.NewClient(sshConn, chans, reqs)
	t.log.Info("bastion connected",
		zap.String("host", t.settings.Alias),
		zap.String("addr", addr),
		zap.String("user", t.settings.User))
	return t.client, nil
}

// DialContext opens a connection to addr from the jump host. It satisfies the
// collector's Dialer.
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := t.Client(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		t.dropIfDead(client)
		return nil, fmt.Errorf("bastion %s: dial %s: %w", t.settings.Alias, addr, err)
	}
	return conn, nil
}

// Upload copies r to remotePath on the jump host over SFTP, creating parent
// directories. It returns the number of bytes written.
func (t *Tunnel) Upload(ctx context.Context, r io.Reader, remotePath string) (int64, error) {
	client, err := t.Client(ctx)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		t.dropIfDead(client)
		return 0, fmt.Errorf("bastion %s: sftp: %w", t.settings.Alias, err)
	}
	defer sc.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return 0, fmt.Errorf("bastion %s: mkdir %s: %w", t.settings.Alias, dir, err)
		}
	}
	dst, err := sc.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("bastion %s: create %s: %w", t.settings.Alias, remotePath, err)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("bastion %s: upload %s: %w", t.settings.Alias, remotePath, err)
	}
	t.log.Info("uploaded file", zap.String("remote_path", remotePath), zap.Int64("bytes", n))
	return n, nil
}

// Close closes the SSH client if one is open.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// dropIfDead forgets client when it no longer answers keepalives, so the next
// call reconnects.
func (t *Tunnel) dropIfDead(client *ssh.Client) {
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == client {
		_ = t.client.Close()
		t.client = nil
		t.log.Warn("bastion connection lost", zap.String("host", t.settings.Alias))
	}
}

func clientConfig(s Settings) (*ssh.ClientConfig, error) {
	var signers []ssh.Signer
	for _, p := range s.identityFiles() {
		key, err := os.ReadFile(p)
		if err != nil {
			if p == s.IdentityFile {
				return nil, fmt.Errorf("bastion %s: read key: %w", s.Alias, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			if p == s.IdentityFile {
				return nil, fmt.Errorf("bastion %s: parse key %s: %w", s.Alias, p, err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("bastion %s: no usable private key", s.Alias)
	}

	var hostKey ssh.HostKeyCallback
	if s.Insecure {
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicitly configured
	} else {
		cb, err := knownhosts.New(s.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("bastion %s: load known_hosts: %w", s.Alias, err)
		}
		hostKey = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := cb(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
				return fmt.Errorf("host %s is not in %s", hostname, s.KnownHosts)
			}
			return err
		}
	}

	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	}, nil
}
