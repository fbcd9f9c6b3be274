package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"nnunet/pkg"
	"nnunet/pkg/args"
)

func RootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:               "nnunet [flags]",
		Short:             "Trains, evaluates, benchmarks or runs inference with a segmentation model",
		Args:              cobra.NoArgs,
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadArgs(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return pkg.Main(ctx, a)
		},
	}

	cmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	cmd.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")
	args.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(ConfigCommand())
	return cmd
}

func ConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config [flags]",
		Short: "Prints the resolved run configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadArgs(cmd)
			if err != nil {
				return err
			}
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			defer encoder.Close()
			return encoder.Encode(a)
		},
	}
}

func loadArgs(cmd *cobra.Command) (*args.Args, error) {
	v, err := args.NewViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return args.Load(v)
}

var logLevel string
var logFormat string

func main() {
	if err := RootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, _ []string) error {

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return fmt.Errorf("invalid logging level %q", logLevel)
	}

	var out io.Writer
	switch logFormat {
	case "pretty":
		out = prettyWriter()
	case "json":
		out = os.Stderr
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}

	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func prettyWriter() zerolog.ConsoleWriter {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}

	}
	return writer
}
