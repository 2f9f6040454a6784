// Package sshclient implements the default transport.ClientInterface
// backend: it dials a target over SSH and runs the distctl-agent helper
// binary with the requested operation and arguments, grounded directly on
// the ssh.Dial/session.Run pattern the teacher uses to reach data-center
// routers (controller/route_sync_controller.go's runSSHCommand).
package sshclient

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// Config holds the SSH credentials used to reach every "ssh" target.
type Config struct {
	User           string
	PrivateKeyPath string
	AgentPath      string // path to distctl-agent on the remote host
	Port           int
	DialTimeout    time.Duration
}

// Backend is the ssh-backed transport.ClientInterface.
type Backend struct {
	cfg       Config
	sshConfig *ssh.ClientConfig
}

// New builds an ssh Backend, loading and parsing the configured private
// key immediately so that configuration errors surface at startup rather
// than on the first deploy.
func New(cfg Config) (*Backend, error) {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = "distctl-agent"
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
	}

	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse SSH key: %w", err)
	}

	return &Backend{
		cfg: cfg,
		sshConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

// Run dials target.Address over SSH and runs the agent command
// synchronously inside a goroutine, reporting the result through a
// transport.Handle.
func (b *Backend) Run(ctx context.Context, target *manifest.Target, op string, args []string) (*transport.Handle, error) {
	host := target.Address
	if host == "" {
		return nil, fmt.Errorf("target %s has no resolved address", target.Name)
	}

	run := transport.NewHandleFunc(op, target.Name, func(ctx context.Context) ([]byte, []byte, error) {
		client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, b.cfg.Port), b.sshConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("ssh dial %s: %w", host, err)
		}
		defer client.Close()

		session, err := client.NewSession()
		if err != nil {
			return nil, nil, fmt.Errorf("ssh session %s: %w", host, err)
		}
		defer session.Close()

		var stdout, stderr bytes.Buffer
		session.Stdout = &stdout
		session.Stderr = &stderr

		command := b.cfg.AgentPath + " " + op
		if len(args) > 0 {
			command += " " + strings.Join(args, " ")
		}

		errCh := make(chan error, 1)
		go func() { errCh <- session.Run(command) }()

		select {
		case err := <-errCh:
			if err != nil {
				return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s on %s: %w (stderr: %s)", op, target.Name, err, stderr.String())
			}
			return stdout.Bytes(), stderr.Bytes(), nil
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			return stdout.Bytes(), stderr.Bytes(), ctx.Err()
		}
	})

	return run(ctx), nil
}
