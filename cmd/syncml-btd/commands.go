//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"syncml-bt/internal/config"
	"syncml-bt/internal/connmgr"
	"syncml-bt/internal/logging"
	"syncml-bt/internal/mux"
	"syncml-bt/internal/sdp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RFCOMM transport until interrupted",
	RunE:  runServe,
}

var recordDir string

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print the SDP records that would be registered",
	Long: `Loads the per-channel SDP record files the way serve does and prints
what each channel would advertise. Missing or inconsistent files show the
compiled-in default.`,
	RunE: runRecords,
}

func init() {
	recordsCmd.Flags().StringVar(&recordDir, "record-dir", "", "directory of the SDP record files (default from config)")
}

func listeners(cfg config.Config) ([]connmgr.ListenerSpec, error) {
	roles, err := cfg.Roles()
	if err != nil {
		return nil, err
	}
	specs := make([]connmgr.ListenerSpec, 0, len(roles))
	for _, ch := range roles {
		specs = append(specs, connmgr.ListenerSpec{Channel: ch, Advertise: cfg.Advertise})
	}
	return specs, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.L()

	specs, err := listeners(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bluez := connmgr.NewBlueZ(connmgr.WithBlueZLogger(log.Named("bluez")))
	defer func() {
		if err := bluez.Close(); err != nil {
			log.Warn("close bluez adapter", zap.Error(err))
		}
	}()

	engine := &logEngine{log: log.Named("engine")}
	m := connmgr.New(bluez, engine,
		connmgr.WithLogger(log.Named("connmgr")),
		connmgr.WithContext(ctx),
		connmgr.WithListeners(specs),
		connmgr.WithBestEffortAdvertising(cfg.BestEffortAdvertising),
		connmgr.WithRecordOptions(
			sdp.WithRecordDir(cfg.RecordDir),
			sdp.WithCallTimeout(cfg.CallTimeout),
			sdp.WithAuth(cfg.RequireAuthentication, cfg.RequireAuthorization),
		),
		connmgr.WithMuxOptions(mux.WithInterval(cfg.PollInterval)),
		connmgr.WithStateObserver(func(s connmgr.State) {
			switch s {
			case connmgr.StateShutdown, connmgr.StateInactive:
				stop()
			}
		}),
	)
	engine.m = m

	m.Post(func() {
		if err := m.Init(); err != nil {
			log.Error("init failed", zap.Error(err))
			stop()
		}
	})
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("event loop stopped", zap.Error(err))
	}
	inactive := m.State() == connmgr.StateInactive
	m.Uninit()

	if err := m.Err(); err != nil {
		return err
	}
	if inactive {
		return errors.New("transport initialisation aborted")
	}
	return nil
}

func runRecords(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if recordDir != "" {
		cfg.RecordDir = recordDir
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	roles, err := cfg.Roles()
	if err != nil {
		return err
	}

	// Loading never calls the adapter.
	reg := sdp.NewRegistry(nil, sdp.WithRecordDir(cfg.RecordDir), sdp.WithLogger(log.Named("sdp")))
	for _, ch := range roles {
		reg.LoadOrDefault(ch)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tCHANNEL\tUUID\tNAME\tSOURCE")
	for _, rec := range reg.Records() {
		info, err := sdp.ParseRecord(rec.Payload)
		if err != nil {
			return fmt.Errorf("parse %s record: %w", rec.Channel.Role(), err)
		}
		source := "default"
		if !bytes.Equal(rec.Payload, sdp.DefaultRecord(rec.Channel)) {
			source = cfg.RecordDir
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rec.Channel.Role(), info.Channel, info.UUID, info.Name, source)
	}
	return w.Flush()
}
