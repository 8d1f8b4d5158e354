package backend

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// PassphraseFunc is asked for the passphrase of an encrypted key file.
type PassphraseFunc func(keyPath string) ([]byte, error)

// AuthConfig selects the non-password authentication methods the pool
// offers alongside the per-request password.
type AuthConfig struct {
	KeyPath       string
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string

	// Passphrase unlocks encrypted keys.  Nil makes encrypted keys an
	// error.
	Passphrase PassphraseFunc
}

// authMethods assembles an ordered list of SSH authentication methods
// for one handshake.  The returned release func closes any agent
// connection and must be called once the handshake is done.
func authMethods(cfg AuthConfig, password string) ([]ssh.AuthMethod, func(), error) {
	var (
		methods []ssh.AuthMethod
		conns   []net.Conn
	)
	release := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	// 1. Request password, also answering keyboard-interactive prompts.
	if password != "" {
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	// 2. Explicit key file
	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}

	// 3. SSH agent (explicit flag)
	if cfg.UseAgent {
		m, conn, err := agentAuth()
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("ssh-agent: %w", err)
		}
		conns = append(conns, conn)
		methods = append(methods, m)
	}

	// 4. Fallback: agent + common key files.
	if cfg.KeyPath == "" && !cfg.UseAgent {
		m, conn := defaultAuthMethods(cfg.Passphrase)
		if conn != nil {
			conns = append(conns, conn)
		}
		methods = append(methods, m...)
	}

	return methods, release, nil
}

// ── individual auth builders ─────────────────────────────────────────

func publicKeyAuth(keyPath string, passphrase PassphraseFunc) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); !ok || passphrase == nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		pass, err := passphrase(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, net.Conn, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

// defaultAuthMethods tries the agent and the three most common key
// file names.  Encrypted default keys are skipped silently unless a
// passphrase func is set.
func defaultAuthMethods(passphrase PassphraseFunc) ([]ssh.AuthMethod, net.Conn) {
	var (
		out  []ssh.AuthMethod
		conn net.Conn
	)

	if m, c, err := agentAuth(); err == nil {
		out = append(out, m)
		conn = c
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out, conn
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if m, err := publicKeyAuth(p, passphrase); err == nil {
			out = append(out, m)
		}
	}
	return out, conn
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg AuthConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
