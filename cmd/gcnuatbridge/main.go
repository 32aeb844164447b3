package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/backend/console"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/backend/dolphin"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/config"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/control"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/logger"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/script"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/uat"
)

func main() {
	var bindAddr string
	var logLevel string
	var logFile string

	root := &cobra.Command{
		Use:   "gcnuatbridge <dolphin|ip-address> [script...]",
		Short: "GameCube/Wii memory bridge for the Universal Auto-Tracker protocol",
		Long: "Reads tracked variables from a running GameCube/Wii game — either a local\n" +
			"Dolphin process or a Nintendont-style console over the network — and serves\n" +
			"them to Universal Auto-Tracker clients over WebSocket.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1:], bindAddr, logLevel, logFile)
		},
	}
	root.Flags().StringVar(&bindAddr, "bind", "127.0.0.1", "address to bind the UAT WebSocket listeners on")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&logFile, "log-file", "", "additional log file path (defaults to ~/.gcnuatbridge/bridge.log)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, target string, scripts []string, bindAddr, logLevel, logFile string) error {
	if logFile == "" {
		if p, err := config.DefaultLogPath(); err == nil {
			logFile = p
		}
	}
	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	factory, err := backendFactory(target)
	if err != nil {
		return err
	}

	host := script.NewHost(nil)
	defer host.Close()
	for _, path := range scripts {
		logger.Log.Info("loading script", "path", path)
		if err := host.LoadScript(path); err != nil {
			return fmt.Errorf("load script %s: %w", path, err)
		}
	}

	store := uat.NewVariableStore()
	server := uat.NewServer(func() uat.InfoCommand {
		gi, name, ok := host.Selected()
		if !ok {
			return uat.InfoCommand{}
		}
		info := uat.InfoCommand{Name: strPtr(gi.Name()), Version: strPtr(gi.Version())}
		if features := gi.Features(); features != nil {
			info.Features = features
		}
		if slots := gi.Slots(); slots != nil {
			info.Slots = slots
		}
		_ = name
		return info
	}, store)
	server.BindAddr = bindAddr

	loop := &control.Loop{
		Factory: factory,
		Host:    host,
		Store:   store,
		Server:  server,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)
	go func() {
		errCh <- loop.Run(runCtx)
	}()
	go func() {
		logger.Log.Info("uat server listening", "bind", bindAddr, "main_port", uat.MainPort, "backup_port", uat.BackupPort)
		errCh <- server.ListenAndServe(runCtx)
	}()

	select {
	case sig := <-sigCh:
		logger.Log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			cancel()
			return err
		}
	}
	return nil
}

// backendFactory resolves the CLI's backend-selection argument: the literal
// string "dolphin" (case-insensitive) for the local emulator, otherwise an
// IP address for the remote console.
func backendFactory(target string) (control.BackendFactory, error) {
	if strings.EqualFold(target, "dolphin") {
		return func(ctx context.Context) (memaccess.Backend, error) {
			return dolphin.New(unattachedRawReader{}), nil
		}, nil
	}

	if !looksLikeAddress(target) {
		return nil, fmt.Errorf("unrecognized backend %q: expected \"dolphin\" or an IP address", target)
	}

	return func(ctx context.Context) (memaccess.Backend, error) {
		return console.Dial(ctx, target)
	}, nil
}

func looksLikeAddress(s string) bool {
	return strings.Count(s, ".") == 3 || strings.Contains(s, ":")
}

// unattachedRawReader is the local-emulator backend's RawReader until a
// real process-attach provider is wired in; process-attach is an external
// dependency per spec.md §1, not part of this module.
type unattachedRawReader struct{}

func (unattachedRawReader) RawRead(size, address uint32, offsets []uint32) ([]byte, error) {
	return nil, fmt.Errorf("dolphin: no process-attach provider configured")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
