package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/config"
	"github.com/splitsync/splitsync/internal/store"
	"github.com/splitsync/splitsync/internal/sync"
	"github.com/splitsync/splitsync/internal/transport"
)

// NewHostCommand creates the command that runs this device as the
// account's rendezvous point.
func NewHostCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Host the account and accept joining devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts, true)
		},
	}
}

// NewJoinCommand creates the command that connects this device to the
// account's host.
func NewJoinCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join the account by dialing its host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts, false)
		},
	}
}

func runDevice(cmd *cobra.Command, opts *RootOptions, asHost bool) error {
	log, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	account := sync.AccountConfig{
		AccountID: cfg.AccountID,
		SelfID:    cfg.DeviceID,
		HostID:    cfg.HostID,
	}
	if asHost {
		account.HostID = cfg.DeviceID
	} else if account.HostID == "" || account.HostID == cfg.DeviceID {
		return fmt.Errorf("join requires host_id naming another device")
	}
	if asHost && cfg.ListenAddr == "" {
		return fmt.Errorf("host requires listen_addr")
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, cfg.AccountID+".db"))
	if err != nil {
		return err
	}
	defer st.Close()

	tr := transport.NewWebSocket(cfg.ListenAddr, cfg.Resolve, log)
	ctrl := sync.NewController(tr, log)
	ctrl.OnStatus(func(state sync.State, peers int) {
		log.Info("status", zap.String("state", string(state)), zap.Int("peers", peers))
	})

	if err := ctrl.Attach(cmd.Context(), account, st); err != nil {
		return err
	}
	defer ctrl.Detach()

	fmt.Fprintf(cmd.OutOrStdout(), "syncing account %s as %s; ctrl-c to stop\n",
		cfg.AccountID, cfg.DeviceID)
	waitForSignal(cmd.Context())
	return nil
}

func waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}
