package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"servis-go/internal/conn"
	"servis-go/internal/gpio"
)

func newGPIOCmd(opts *options) *cobra.Command {
	var (
		direction string
		value     int
	)
	cmd := &cobra.Command{
		Use:   "gpio <pin>",
		Short: "Configure, drive or read a GPIO pin on the hardware port",
		Long: `Sends one control message to the hardware port.

  servisctl gpio 17 --direction output --value 1
  servisctl gpio 17 --value 0
  servisctl gpio 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin int
			if _, err := fmt.Sscanf(args[0], "%d", &pin); err != nil {
				return fmt.Errorf("invalid pin %q", args[0])
			}
			req := gpio.ControlRequest{Pin: pin, Direction: direction, Value: value}
			resp, err := gpioRoundTrip(opts, req)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !resp.Success {
				return fmt.Errorf("gpio: %s", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "input or output")
	cmd.Flags().IntVar(&value, "value", -1, "value to drive (0 or 1); omit to read")
	return cmd
}

func gpioRoundTrip(opts *options, req gpio.ControlRequest) (gpio.ControlResponse, error) {
	var resp gpio.ControlResponse
	data, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}

	c, err := conn.Dial(opts.hwAddr, opts.timeout)
	if err != nil {
		return resp, err
	}
	defer c.Close()

	if err := c.Send(data); err != nil {
		return resp, err
	}
	buf := make([]byte, 4096)
	n, err := c.RecvTimeout(buf, opts.timeout)
	if err != nil {
		return resp, fmt.Errorf("read reply: %w", err)
	}
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return resp, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}
