package sshbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Conn is one authenticated connection to a target.
type Conn interface {
	NewSession() (Session, error)
	Close() error
}

// Session runs a single command. *ssh.Session satisfies it.
type Session interface {
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// Dialer opens a connection to addr ("host:port").
type Dialer func(ctx context.Context, addr string) (Conn, error)

type clientConn struct {
	c *ssh.Client
}

func (w clientConn) NewSession() (Session, error) {
	if w.c == nil {
		return nil, errors.New("nil ssh client")
	}
	s, err := w.c.NewSession()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w clientConn) Close() error { return w.c.Close() }

// NewDialer builds the ssh client configuration once from cfg and returns a
// Dialer using it. The returned closer releases the agent connection, if any.
func NewDialer(cfg Config) (Dialer, io.Closer, error) {
	var auths []ssh.AuthMethod
	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("load key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}

	var closer io.Closer = nopCloser{}
	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				ag := agent.NewClient(conn)
				auths = append(auths, ssh.PublicKeysCallback(ag.Signers))
				closer = conn
			}
		}
	}
	if len(auths) == 0 {
		return nil, nil, errors.New("no ssh auth method configured (keyPath, password or agent)")
	}

	hostKeyCB, err := hostKeyCallback(cfg)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         cfg.DialTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	dial := func(ctx context.Context, addr string) (Conn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = conn.SetDeadline(time.Time{})
		return clientConn{ssh.NewClient(c, chans, reqs)}, nil
	}
	return dial, closer, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(cfg.KnownHosts); err != nil {
		return nil, fmt.Errorf("known_hosts file not found at %s and insecureIgnoreHostKey is off", cfg.KnownHosts)
	}
	cb, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return cb, nil
}

// loadSigner loads a private key with an optional passphrase.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	}
	s, err := ssh.ParsePrivateKey(b)
	if err == nil {
		return s, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("private key is encrypted; set ssh.passphrase")
	}
	return nil, err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// normalizeAddr appends the default port when target has none.
func normalizeAddr(target string, port int) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, fmt.Sprint(port))
}
