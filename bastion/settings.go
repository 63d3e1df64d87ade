// Package bastion tunnels cluster traffic through an SSH jump host and
// uploads exports over SFTP on the same connection.
package bastion

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

// Settings are the resolved connection parameters of the jump host.
type Settings struct {
	Alias        string // host as configured, possibly an ssh config alias
	Hostname     string
	Port         string
	User         string
	IdentityFile string
	KnownHosts   string
	Insecure     bool
}

// Address returns host:port for dialing.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Hostname, s.Port)
}

// Resolve turns the configured host into connection settings. The host may be
// "alias", "host", "user@host" or "user@host:port"; HostName, Port, User and
// IdentityFile are looked up in the ssh config file at sshConfigPath (skipped
// when it does not exist). Values set in cfg win over the ssh config.
func Resolve(cfg config.BastionConfig, sshConfigPath string) (Settings, error) {
	if cfg.Host == "" {
		return Settings{}, errors.New("bastion host is empty")
	}

	s := Settings{Port: "22", Insecure: cfg.InsecureIgnoreHostKey}
	host := cfg.Host
	explicitUser := ""
	if i := strings.Index(host, "@"); i != -1 {
		explicitUser, host = host[:i], host[i+1:]
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, s.Port = h, p
	}
	s.Alias = host
	s.Hostname = host

	if sshConfigPath != "" {
		content, err := os.ReadFile(sshConfigPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Settings{}, fmt.Errorf("read ssh config: %w", err)
		default:
			sc, err := ssh_config.Decode(bytes.NewReader(content))
			if err != nil {
				return Settings{}, fmt.Errorf("parse ssh config %s: %w", sshConfigPath, err)
			}
			if v, _ := sc.Get(host, "HostName"); v != "" {
				s.Hostname = v
			}
			if v, _ := sc.Get(host, "Port"); v != "" {
				s.Port = v
			}
			if v, _ := sc.Get(host, "User"); v != "" {
				s.User = v
			}
			if v, _ := sc.Get(host, "IdentityFile"); v != "" {
				s.IdentityFile = expandPath(v)
			}
			if v, _ := sc.Get(host, "UserKnownHostsFile"); v != "" {
				s.KnownHosts = expandPath(strings.Fields(v)[0])
			}
		}
	}

	switch {
	case explicitUser != "":
		s.User = explicitUser
	case cfg.User != "":
		s.User = cfg.User
	case s.User == "":
		s.User = currentUser()
	}
	if cfg.Key != "" {
		s.IdentityFile = expandPath(cfg.Key)
	}
	if cfg.KnownHosts != "" {
		s.KnownHosts = expandPath(cfg.KnownHosts)
	}
	if s.KnownHosts == "" {
		s.KnownHosts = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	return s, nil
}

// DefaultSSHConfig returns ~/.ssh/config.
func DefaultSSHConfig() string {
	return filepath.Join(homeDir(), ".ssh", "config")
}

// identityFiles lists the keys to try: the configured one, then the usual
// defaults.
func (s Settings) identityFiles() []string {
	var out []string
	if s.IdentityFile != "" {
		out = append(out, s.IdentityFile)
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(homeDir(), ".ssh", name)
		if p != s.IdentityFile {
			out = append(out, p)
		}
	}
	return out
}

func expandPath(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return ""
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME", "LOGNAME"} {
		if u := os.Getenv(k); u != "" {
			return u
		}
	}
	return "root"
}
