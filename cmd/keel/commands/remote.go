package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/policy"
	"github.com/keelhq/keel/pkg/protocol"
	"github.com/keelhq/keel/pkg/transports/ssh"
)

func newRemoteCommand() *cobra.Command {
	var (
		host         string
		port         int
		user         string
		keyPath      string
		knownHosts   string
		insecure     bool
		timeout      time.Duration
		remoteBinary string
		remoteDir    string
		identityUser string
		roles        []string
	)

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Boot a server on a remote host over SSH",
		Long: `Push the configuration to a remote host over SFTP, boot a kernel there and
relay management operations to it.

Operations are read from stdin, one JSON operation per line:
  {"operation":"read-resource","address":[{"subsystem":"threads"}]}

Each response is written to stdout as one JSON line. The remote kernel is shut
down and the pushed configuration removed when stdin is closed.

Password authentication reads the password from KEEL_SSH_PASSWORD.`,
		Example: `  echo '{"operation":"read-resource","address":[]}' | \
    keel remote --host edge-1.example.com --user ops --config server.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if configPath == "" {
				return errors.New("--config is required")
			}
			if host == "" || user == "" {
				return errors.New("--host and --user are required")
			}

			sshCfg := ssh.DefaultConfig(host, user)
			sshCfg.Port = port
			sshCfg.ConnectionTimeout = timeout
			sshCfg.KeepAliveInterval = 30 * time.Second
			sshCfg.StrictHostKeyChecking = !insecure
			if knownHosts != "" {
				sshCfg.KnownHostsPath = knownHosts
			}
			sshCfg.RemoteBinary = remoteBinary
			sshCfg.RemoteDir = remoteDir
			if password := os.Getenv("KEEL_SSH_PASSWORD"); password != "" && keyPath == "" {
				sshCfg.AuthMethod = ssh.AuthMethodPassword
				sshCfg.Password = password
			} else {
				sshCfg.PrivateKeyPath = keyPath
			}

			client, err := ssh.NewClient(sshCfg)
			if err != nil {
				return err
			}
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()

			k, err := client.StartKernel(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := k.Close(); err != nil {
					log.Warn().Err(err).Msg("Remote kernel shutdown incomplete")
				}
				if tail := k.Stderr(); tail != "" {
					log.Debug().Str("stderr", tail).Msg("Remote kernel output")
				}
			}()

			var identity *policy.Identity
			if identityUser != "" || len(roles) > 0 {
				identity = &policy.Identity{User: identityUser, Roles: roles}
			}
			return relay(cmd, k, identity)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "remote host")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&user, "user", "", "SSH user")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key (default: ~/.ssh/id_ed25519, id_rsa or id_ecdsa)")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "known_hosts file (default: ~/.ssh/known_hosts)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "accept any host key")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "connection and boot timeout")
	cmd.Flags().StringVar(&remoteBinary, "remote-binary", "keel", "keel executable on the remote host")
	cmd.Flags().StringVar(&remoteDir, "remote-dir", "/tmp", "remote directory for the pushed configuration")
	cmd.Flags().StringVar(&identityUser, "as-user", "", "identity user sent with each operation")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "identity roles sent with each operation")

	return cmd
}

// relay sends each operation read from stdin to the remote kernel and writes its
// response to stdout. Operations are sent one at a time, in order.
func relay(cmd *cobra.Command, k *ssh.Kernel, identity *policy.Identity) error {
	ctx := cmd.Context()
	dec := protocol.NewDecoder(cmd.InOrStdin())
	enc := protocol.NewEncoder(cmd.OutOrStdout())

	failed := 0
	for {
		var op model.Operation
		if err := dec.Decode(&op); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("invalid operation: %w", err)
		}
		resp, err := k.Do(ctx, op, identity)
		if err != nil {
			return err
		}
		if !resp.Success() {
			failed++
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d operations failed", failed)
	}
	return nil
}
