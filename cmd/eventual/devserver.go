package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/eventual/internal/devserver"
	"github.com/spf13/cobra"
)

var devserverPort int

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory reference object store",
	Long:  "Serve the REST object protocol from memory, for local development against the HTTP transport. EVENTUAL_API_KEY, when set, is required from clients.",
	Args:  cobra.NoArgs,
	RunE:  runDevserver,
}

func init() {
	devserverCmd.Flags().IntVar(&devserverPort, "port", 0,
		"Listen port (overrides devserver.port)")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	port := devserverPort
	if port == 0 {
		port = cfg.DevServer.Port
	}

	srv, err := devserver.New(devserver.Config{
		Port:            port,
		APIKey:          cfg.Remote.APIKey,
		Version:         Version,
		ReadTimeout:     time.Duration(cfg.DevServer.ReadTimeout),
		WriteTimeout:    time.Duration(cfg.DevServer.WriteTimeout),
		ShutdownTimeout: time.Duration(cfg.DevServer.ShutdownTimeout),
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
