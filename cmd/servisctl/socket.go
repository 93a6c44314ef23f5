package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"servis-go/internal/conn"
	"servis-go/internal/envelope"
)

// roundTrip sends one request envelope and waits for its reply. An
// ErrorResponse comes back as an error.
func roundTrip(addr string, timeout time.Duration, req envelope.Body) (envelope.Body, error) {
	c, err := conn.Dial(addr, timeout)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.WriteEnvelope(envelope.New(req)); err != nil {
		return nil, err
	}
	env, err := c.ReadEnvelope(timeout)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if e, ok := env.Body.(envelope.ErrorResponse); ok {
		return nil, errors.New(e.Error)
	}
	return env.Body, nil
}

func parseSessionID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return uint32(id), nil
}

func newSendCmd(opts *options) *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a natural-language command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := envelope.CommandRequest{
				ID:   uuid.NewString(),
				Text: strings.Join(args, " "),
			}
			if location != "" {
				req.Context = map[string]string{"location": location}
			}
			body, err := roundTrip(opts.addr, opts.timeout, req)
			if err != nil {
				return err
			}
			reply, ok := body.(envelope.DownloadStatusResponse)
			if !ok {
				return fmt.Errorf("unexpected reply %s", body.Type())
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Status)
			if reply.SessionID != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "session: %d\n", reply.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location hint passed as command context")
	return cmd
}

func newDownloadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "download <url>",
		Short: "Start a download session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := roundTrip(opts.addr, opts.timeout, envelope.DownloadRequest{URL: args[0]})
			if err != nil {
				return err
			}
			reply, ok := body.(envelope.DownloadResponse)
			if !ok {
				return fmt.Errorf("unexpected reply %s", body.Type())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session: %d\n", reply.SessionID)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a download session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd, opts, envelope.DownloadStatusRequest{SessionID: id})
		},
	}
}

func newAbortCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a download session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd, opts, envelope.DownloadAbortRequest{SessionID: id})
		},
	}
}

func newShutdownCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd, opts, envelope.ShutdownRequest{})
		},
	}
}

func printStatus(cmd *cobra.Command, opts *options, req envelope.Body) error {
	body, err := roundTrip(opts.addr, opts.timeout, req)
	if err != nil {
		return err
	}
	reply, ok := body.(envelope.DownloadStatusResponse)
	if !ok {
		return fmt.Errorf("unexpected reply %s", body.Type())
	}
	if reply.SessionID != 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", reply.SessionID, reply.Status)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Status)
	return nil
}
