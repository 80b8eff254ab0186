// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/inertial_ingest/internal/app"
	"github.com/relabs-tech/inertial_ingest/internal/config"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
)

// loadConfig initializes the global config from --config, the
// environment and the command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if err := config.InitGlobal(path, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg := config.Get()
	cfg.ApplyLogLevel()
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "inertial_ingest",
	Short:        "three-channel IMU serial frame ingestion",
	Long:         "Reads framed accel/gyro samples from three serial channels and publishes them over HTTP, websocket and MQTT.",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "connect the three channels and run the configured sinks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.Debug {
			gin.SetMode(gin.ReleaseMode)
		}

		ctx, cancel := signalContext()
		defer cancel()
		return app.RunIngest(ctx, cfg)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a configuration template",
	RunE: func(cmd *cobra.Command, _ []string) error {
		printFlag, _ := cmd.Flags().GetBool("print")
		outputPath, _ := cmd.Flags().GetString("output")
		overwrite, _ := cmd.Flags().GetBool("yes")

		if printFlag {
			data, err := config.Template()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		}
		if err := config.WriteTemplate(outputPath, overwrite); err != nil {
			return err
		}
		log.WithField("file", outputPath).Info("config template written")
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports on this host",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ports, err := serialport.List()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tUSB\tVID:PID\tSERIAL\tPRODUCT")
		for _, p := range ports {
			vidpid := ""
			if p.USB {
				vidpid = p.VID + ":" + p.PID
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\n", p.Name, p.USB, vidpid, p.SerialNumber, p.Product)
		}
		return w.Flush()
	},
}

var emulateCmd = &cobra.Command{
	Use:   "emulate PORT",
	Short: "write synthetic sensor frames to a serial port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		phase, _ := cmd.Flags().GetFloat64("phase")

		ctx, cancel := signalContext()
		defer cancel()
		return app.RunEmulator(ctx, cfg, args[0], phase)
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "print samples received over MQTT",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if mock, _ := cmd.Flags().GetBool("mock"); mock {
			return app.RunMockConsole(ctx, os.Stdout, 100*time.Millisecond)
		}
		return app.RunConsoleMQTT(ctx, cfg.MQTT, os.Stdout)
	},
}

func main() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default searches ~/.config/inertial_ingest, /etc/inertial_ingest, .)")
	rootCmd.PersistentFlags().Bool("debug", false, "toggle debug logging")
	rootCmd.PersistentFlags().String("driver", "", "serial driver: jacobsa or bugst")

	serveCmd.Flags().StringSlice("channels", nil, "the three channel port names, comma separated")
	serveCmd.Flags().String("policy", "", "partial connect policy: keep_partial or rollback_partial")
	serveCmd.Flags().Int("port", 0, "web API port")
	serveCmd.Flags().String("interface", "", "web API interface")
	serveCmd.Flags().Bool("mqtt", false, "publish samples over MQTT")
	serveCmd.Flags().String("broker", "", "MQTT broker URL")

	defaultOutput := filepath.Join(".", config.ConfigName+".yaml")
	if home, err := os.UserHomeDir(); err == nil {
		defaultOutput = filepath.Join(home, ".config", config.AppName, config.ConfigName+".yaml")
	}
	initCmd.Flags().StringP("output", "o", defaultOutput, "where to write the template")
	initCmd.Flags().BoolP("print", "p", false, "print the template instead of writing it")
	initCmd.Flags().BoolP("yes", "y", false, "overwrite an existing file")

	emulateCmd.Flags().Int("rate", 0, "frames per second")
	emulateCmd.Flags().Int("corrupt", 0, "send every Nth frame damaged (0 disables)")
	emulateCmd.Flags().Float64("phase", 0, "motion phase offset in seconds")

	consoleCmd.Flags().String("broker", "", "MQTT broker URL")
	consoleCmd.Flags().Bool("mock", false, "print synthetic samples instead of subscribing")

	rootCmd.AddCommand(serveCmd, initCmd, portsCmd, emulateCmd, consoleCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
