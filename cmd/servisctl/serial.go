package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"servis-go/internal/devlink"
)

func newSerialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Serial device link tools",
	}
	cmd.AddCommand(newSerialHandshakeCmd())
	return cmd
}

func newSerialHandshakeCmd() *cobra.Command {
	var (
		port   string
		baud   int
		device string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Open a serial port and perform the link handshake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devType, err := devlink.ParseDeviceType(device)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			link, err := devlink.Open(port, baud, devlink.Identity{
				Type:    devType,
				Name:    name,
				Version: version,
			}, logger)
			if err != nil {
				return err
			}
			defer link.Close()
			return handshake(cmd, link)
		},
	}
	cmd.Flags().StringVar(&port, "port", "/dev/ttyACM0", "serial port")
	cmd.Flags().IntVar(&baud, "baud", 115200, "baud rate")
	cmd.Flags().StringVar(&device, "device", "pico", "local board type (uno, mega, esp32, esp8266, pico)")
	cmd.Flags().StringVar(&name, "name", "servisctl", "local device name")
	return cmd
}

func handshake(cmd *cobra.Command, link *devlink.Link) error {
	if err := link.PerformHandshake(context.Background()); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	st := link.State()
	fmt.Fprintf(cmd.OutOrStdout(), "handshake complete (local %s %q)\n", st.Local.Type, st.Local.Name)
	return nil
}
