package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-nvmft"
	"github.com/ehrlich-b/go-nvmft/backend"
	"github.com/ehrlich-b/go-nvmft/internal/logging"
	"github.com/ehrlich-b/go-nvmft/internal/nvme"
	"github.com/ehrlich-b/go-nvmft/loopback"
)

const selftestHostNQN = "nqn.2014-08.org.nvmexpress:uuid:nvmft-mem-selftest"

func newSelftestCmd(load loader) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a loopback host session against a fresh port",
		Long: `selftest connects a loopback host to a new port, enables the controller,
identifies it, creates an I/O queue, writes and reads back every namespace,
hot-adds a namespace to trigger an asynchronous event and shuts down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := load()
			if err != nil {
				return err
			}
			defer env.logger.Close()
			port, err := buildPort(env, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			sessionErr := runSession(ctx, port, env.logger)
			offlineErr := port.Offline(ctx)
			if err := errors.Join(sessionErr, offlineErr); err != nil {
				return err
			}

			snap := port.MetricsSnapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "selftest passed: %d admin, %d read, %d write commands\n",
				snap.AdminCommands, snap.ReadOps, snap.WriteOps)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall session timeout")
	return cmd
}

// runSession drives one association through its whole life
func runSession(ctx context.Context, port *nvmft.Port, logger *logging.Logger) error {
	hostID := uuid.New()
	cmd := nvme.ConnectCommand{QID: 0, SQSize: 31, KATO: 0}
	data := nvme.NewConnectData(hostID, nvme.DynamicControllerID, port.SubNQN(), selftestHostNQN)

	admin, cqe, err := loopback.Connect(ctx, port, cmd, data)
	if err != nil {
		return fmt.Errorf("admin connect: %w", err)
	}
	defer admin.Close()
	if !cqe.Result().Success() {
		return fmt.Errorf("admin connect rejected: %s", cqe.Result())
	}
	cntlID := uint16(cqe.CDW0)
	log := logger.WithController(cntlID)
	log.Info("associated", "hostid", hostID)

	if err := admin.Enable(ctx, 0); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	id, err := admin.IdentifyController(ctx)
	if err != nil {
		return fmt.Errorf("identify controller: %w", err)
	}
	if id.CntlID != cntlID {
		return fmt.Errorf("identify reports controller %d, connected as %d", id.CntlID, cntlID)
	}
	log.Info("controller identified",
		"model", string(bytes.TrimRight(id.MN[:], " ")),
		"aerl", id.AERL,
		"nn", id.NN)

	if _, err := admin.SetFeatures(ctx, nvme.FeatAsyncEventConfig, nvme.AsyncEventNamespaceAttr); err != nil {
		return fmt.Errorf("enable namespace events: %w", err)
	}
	if err := admin.SetQueueCount(ctx, 1); err != nil {
		return fmt.Errorf("set queue count: %w", err)
	}

	ioCmd := nvme.ConnectCommand{QID: 1, SQSize: 63}
	ioData := nvme.NewConnectData(hostID, cntlID, port.SubNQN(), selftestHostNQN)
	io, cqe, err := loopback.Connect(ctx, port, ioCmd, ioData)
	if err != nil {
		return fmt.Errorf("I/O connect: %w", err)
	}
	defer io.Close()
	if !cqe.Result().Success() {
		return fmt.Errorf("I/O connect rejected: %s", cqe.Result())
	}

	nsids, err := admin.ActiveNamespaces(ctx, 0)
	if err != nil {
		return fmt.Errorf("active namespaces: %w", err)
	}
	for _, nsid := range nsids {
		if err := verifyNamespace(ctx, admin, io, nsid); err != nil {
			return fmt.Errorf("namespace %d: %w", nsid, err)
		}
		log.Info("namespace verified", "nsid", nsid)
	}

	events := make(chan uint32, 1)
	eventErr := make(chan error, 1)
	go func() {
		cdw0, err := admin.AsyncEvent(ctx)
		if err != nil {
			eventErr <- err
			return
		}
		events <- cdw0
	}()

	// the request must be outstanding before the namespace appears
	hotNSID := nextNSID(nsids)
	if err := waitPendingAER(ctx, port, cntlID); err != nil {
		return err
	}
	if err := port.AddNamespace(hotNSID, backend.NewMemory(1<<20), 0); err != nil {
		return fmt.Errorf("hot-add namespace: %w", err)
	}

	select {
	case cdw0 := <-events:
		want := nvme.AsyncEventResult(nvme.AsyncEventTypeNotice, nvme.AsyncEventNoticeNamespaceChanged, nvme.LogChangedNamespace)
		if cdw0 != want {
			return fmt.Errorf("async event %#x, want %#x", cdw0, want)
		}
	case err := <-eventErr:
		return fmt.Errorf("async event: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := admin.GetLogPage(ctx, nvme.LogChangedNamespace, 0, 4096, false); err != nil {
		return fmt.Errorf("changed namespace log: %w", err)
	}
	log.Info("namespace change reported", "nsid", hotNSID)

	if err := admin.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("controller shut down")
	return nil
}

func verifyNamespace(ctx context.Context, admin, io *loopback.Host, nsid uint32) error {
	raw, err := admin.Identify(ctx, nvme.CNSNamespace, nsid)
	if err != nil {
		return err
	}
	ns, err := nvme.ParseNamespaceData(raw)
	if err != nil {
		return err
	}
	blockSize := int(ns.BlockSize())

	pattern := make([]byte, 8*blockSize)
	for i := range pattern {
		pattern[i] = byte(uint32(i) ^ nsid)
	}
	if err := io.Write(ctx, nsid, 0, blockSize, pattern); err != nil {
		return err
	}
	got := make([]byte, len(pattern))
	if err := io.Read(ctx, nsid, 0, blockSize, got); err != nil {
		return err
	}
	if !bytes.Equal(pattern, got) {
		return errors.New("read back data does not match")
	}
	return io.Flush(ctx, nsid)
}

func nextNSID(nsids []uint32) uint32 {
	if len(nsids) == 0 {
		return 1
	}
	return nsids[len(nsids)-1] + 1
}

func waitPendingAER(ctx context.Context, port *nvmft.Port, cntlID uint16) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, info := range port.Controllers() {
			if info.CntlID == cntlID && info.PendingAERs > 0 {
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for async event request: %w", ctx.Err())
		}
	}
}
