package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/docsync/client"
	"github.com/luma/docsync/document"
	"github.com/luma/docsync/internal/env"
	"github.com/luma/docsync/transport"
)

var (
	serverURL string
	sessionID string

	// Extra key=value query arguments
	connectArgs []string

	outFile string
)

func init() {
	for _, cmd := range []*cobra.Command{InfoCmd, PullCmd, PushCmd, WatchCmd} {
		flags := cmd.Flags()

		flags.StringVarP(&serverURL, "url", "u", "", "The websocket url of the server (default $DOCSYNC_URL)")
		flags.StringVar(&sessionID, "session-id", "", "The session id to connect with (default $DOCSYNC_SESSION_ID)")
		flags.StringArrayVar(&connectArgs, "arg", nil, "An extra key=value argument to connect with, may be repeated")
	}

	PullCmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the document to a file instead of stdout")
}

var InfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the version info of a docsync server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(cmd, func(ctx context.Context, conn *client.Connection) error {
			info, err := conn.RequestServerInfo(ctx)
			if err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), info)
		})
	},
}

var PullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Print the document a docsync server is serving",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(cmd, func(ctx context.Context, conn *client.Connection) error {
			doc := document.New()
			defer doc.Close()

			if err := conn.PullDoc(ctx, doc); err != nil {
				return err
			}

			data, err := doc.ToJSON()
			if err != nil {
				return err
			}

			if outFile != "" {
				return os.WriteFile(outFile, data, 0644)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		})
	},
}

var PushCmd = &cobra.Command{
	Use:   "push [file]",
	Short: "Replace the document a docsync server is serving",
	Long: `Replace the document a docsync server is serving

The document is read from file, or from stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)

		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}

		if err != nil {
			return err
		}

		doc, err := document.FromJSON(data)
		if err != nil {
			return err
		}
		defer doc.Close()

		return withConnection(cmd, func(ctx context.Context, conn *client.Connection) error {
			return conn.PushDoc(ctx, doc)
		})
	},
}

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the document, then every patch made to it, until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		options, log, err := clientOptions(ctx)
		if err != nil {
			return err
		}
		defer log.Sync() // nolint:errcheck

		doc := document.New()
		defer doc.Close()

		session, err := client.ConnectSession(ctx, doc, options)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.Pull(ctx); err != nil {
			return err
		}

		data, err := doc.ToJSON()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, string(data))

		updates := doc.ListenToUpdates()
		defer doc.StopListening(updates)

		for {
			select {
			case <-ctx.Done():
				return nil

			case <-session.Done():
				return client.ErrConnectionLost

			case update, ok := <-updates:
				if !ok {
					return nil
				}

				fmt.Fprintln(out, string(update.Patch))
			}
		}
	},
}

// withConnection connects with the client flags and configuration, runs f and disconnects.
func withConnection(cmd *cobra.Command, f func(ctx context.Context, conn *client.Connection) error) error {
	ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer signalStop()

	options, log, err := clientOptions(ctx)
	if err != nil {
		return err
	}
	defer log.Sync() // nolint:errcheck

	conn, err := client.New(options)
	if err != nil {
		return err
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		if err := conn.Close("done"); err != nil {
			log.Debug("Failed to close connection", zap.Error(err))
		}
	}()

	return f(ctx, conn)
}

func clientOptions(ctx context.Context) (client.Options, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return client.Options{}, nil, err
	}

	log, err := env.MakeLogger(conf)
	if err != nil {
		return client.Options{}, nil, err
	}

	arguments, err := parseArguments(connectArgs)
	if err != nil {
		return client.Options{}, nil, err
	}

	options := client.Options{
		URL:             conf.URL,
		SessionID:       conf.SessionID,
		ProtocolVersion: conf.ProtocolVersion,
		Arguments:       arguments,
		Dialer: client.WebSocketDialer(transport.DialOptions{
			WebSocketOptions: transport.WebSocketOptions{
				ReadTimeout:    conf.ReadTimeout,
				WriteTimeout:   conf.WriteTimeout,
				MaxMessageSize: conf.MaxMessageSize,
				Log:            log.Named("transport"),
			},
		}),
		Log: log.Named("client"),
	}

	if serverURL != "" {
		options.URL = serverURL
	}

	if sessionID != "" {
		options.SessionID = sessionID
	}

	return options, log, nil
}

func parseArguments(args []string) (url.Values, error) {
	values := url.Values{}

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("Invalid argument %q, expected key=value", arg)
		}

		values.Add(key, value)
	}

	return values, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
