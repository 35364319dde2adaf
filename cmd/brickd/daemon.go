package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/brickd-dev/brickd/pkg/config"
	"github.com/brickd-dev/brickd/pkg/daemon"
)

func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "daemon",
		Short:   "Run the brickd daemon",
		GroupID: gDaemon,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return err
			}

			// The config file's level applies unless --log-level was given
			// explicitly.
			if cfg.LogLevel != "" && !cmd.Root().PersistentFlags().Changed("log-level") {
				if err := setupLogger(cfg.LogLevel); err != nil {
					return err
				}
			}

			if cfg.LogFile != "" {
				logrus.SetOutput(&lumberjack.Logger{
					Filename:   cfg.LogFile,
					MaxSize:    10, // MB
					MaxBackups: 3,
				})
				logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			}

			return daemon.Run(cfg)
		},
	}
}
