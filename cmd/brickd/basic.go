package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/brickd-dev/brickd/pkg/client"
	"github.com/brickd-dev/brickd/pkg/protocol"
)

func dialDaemon() (*client.Client, error) {
	return client.Dial(daemonAddress)
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show daemon and battery status",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer c.Bye() //nolint:errcheck // best-effort goodbye

			serial, err := c.Get(protocol.PropSerial)
			if err != nil {
				return err
			}
			rawVoltage, err := c.Get(protocol.PropVoltage)
			if err != nil {
				return err
			}

			bold := color.New(color.Bold)
			cmd.Printf("Daemon version: %s\n", bold.Sprint(c.ServerVersion()))
			cmd.Printf("Board serial:   %s\n", bold.Sprint(serial))
			cmd.Printf("Battery:        %s\n", formatVoltage(rawVoltage))
			return nil
		},
	}
}

func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Get one property from the daemon",
		Long:    fmt.Sprintf("Get one property from the daemon.\n\nKnown keys: %s, %s", protocol.PropSerial, protocol.PropVoltage),
		GroupID: gBasic,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer c.Bye() //nolint:errcheck // best-effort goodbye

			value, err := c.Get(args[0])
			if err != nil {
				return err
			}
			cmd.Println(value)
			return nil
		},
	}
}

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Stream power broadcasts from the daemon",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.Watch("POWER"); err != nil {
				return err
			}

			for {
				msg, err := c.ReadMessage()
				if err != nil {
					return err
				}
				printMessage(cmd, msg)
			}
		},
	}
}

func printMessage(cmd *cobra.Command, msg client.Message) {
	switch msg.Severity {
	case "WARN":
		cmd.Printf("%s %s\n", color.YellowString("WARN"), msg.Text)
	case "CRITICAL":
		cmd.Printf("%s %s\n", color.RedString("CRITICAL"), msg.Text)
	case "INFO":
		cmd.Printf("%s %s\n", color.CyanString("INFO"), msg.Text)
	default:
		if msg.Key == protocol.PropVoltage {
			cmd.Printf("%s = %s\n", msg.Key, formatVoltage(msg.Value))
			return
		}
		cmd.Printf("%s = %s\n", msg.Key, msg.Value)
	}
}

func formatVoltage(raw string) string {
	millivolts, err := strconv.Atoi(raw)
	if err != nil {
		return raw
	}
	return fmt.Sprintf("%.3f V", float64(millivolts)/1000.0)
}
