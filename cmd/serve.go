package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/internal/env"
	"github.com/luma/docsync/internal/meta"
	"github.com/luma/docsync/protocol"
	"github.com/luma/docsync/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for clients on
	port int

	// The path of the websocket endpoint
	wsPath string

	reuseport bool

	// A document to start with, instead of an empty one
	docFile string
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 5006, "The port to listen for client connections on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.StringVar(&wsPath, "path", transport.DefaultPath, "The path clients connect to")
	flags.BoolVar(&reuseport, "reuseport", true, "Listen with SO_REUSEPORT")
	flags.StringVar(&docFile, "doc", "", "A JSON document to serve initially")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a document to docsync clients",
	Long: `Serve a document to docsync clients

Usage
	docsync serve --port 5006 --doc plot.json

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf)
		if err != nil {
			return err
		}
		defer log.Sync() // nolint:errcheck

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		doc, err := loadDocument(docFile)
		if err != nil {
			return err
		}
		defer doc.Close()

		info := meta.GetInfo()

		server := transport.NewServer(transport.Options{
			Host:      host,
			Port:      port,
			Reuseport: reuseport,
			Path:      wsPath,
			Document:  doc,
			VersionInfo: protocol.VersionInfo{
				Bokeh:  info.Version,
				Server: info.ServerVersion(),
			},
			ReadTimeout:    conf.ReadTimeout,
			WriteTimeout:   conf.WriteTimeout,
			MaxMessageSize: conf.MaxMessageSize,
			DebugHTTP:      conf.DebugHTTP,
			Log:            log.Named("transport"),
		})

		if err := server.Start(ctx); err != nil {
			return err
		}

		log.Info("Serving",
			zap.Any("config", conf),
			zap.String("addr", server.Addr()),
			zap.String("path", wsPath),
			zap.Strings("protocolVersions", protocol.Versions()))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if err := server.Close(); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func loadDocument(path string) (*document.Document, error) {
	if path == "" {
		return document.New(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return document.FromJSON(data)
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
