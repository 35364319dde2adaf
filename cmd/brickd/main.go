package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/brickd-dev/brickd/pkg/client"
	"github.com/brickd-dev/brickd/pkg/version"
)

var (
	logLevel      = "info"
	configPath    = "/etc/brickd.toml"
	daemonAddress = client.DefaultAddress
)

var (
	gBasic  = "Basic:"
	gDaemon = "Daemon:"

	commandGroups = []string{
		gBasic,
		gDaemon,
	}
)

// setupLogger applies level and picks a formatter for the output stream.
// Called once from the root PersistentPreRunE and again from the daemon
// command when the config file supplies a level and --log-level was not
// given.
func setupLogger(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level %q: %v", level, err)
	}
	logrus.SetLevel(parsed)

	formatter := &logrus.TextFormatter{}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		formatter.FullTimestamp = true
		formatter.TimestampFormat = time.Kitchen
	}
	logrus.SetFormatter(formatter)

	return nil
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		if err == client.ErrDaemonNotRunning {
			fmt.Fprintln(os.Stderr, "\nError: brickd daemon is not running")
			fmt.Fprintln(os.Stderr, "Start it with 'brickd daemon'")
		}
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "brickd",
		Short:        "brickd tracks board power state and serves it to local clients",
		Long:         "brickd is a daemon that monitors the board's battery, warns on low charge, and exposes power state over a local TCP protocol.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger(logLevel)
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&daemonAddress, "daemon-address", daemonAddress, "brickd daemon address")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewGetCommand(),
		NewWatchCommand(),
	)

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}
