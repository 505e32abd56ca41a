package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type flags struct {
	config     string
	verbose    int
	iface      string
	prefix     string
	dagID      string
	rank       uint32
	routesFile string
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.config, "config", "c", "", "path to configuration file")
	fs.CountVarP(&f.verbose, "verbose", "v", "enable verbose logging")
	fs.StringVarP(&f.iface, "interface", "i", "", "mesh interface name")
	fs.StringVarP(&f.prefix, "prefix", "p", "", "IPv6 prefix (global address) to announce")
	fs.StringVarP(&f.dagID, "dagid", "d", "", "DAG ID to use")
	fs.Uint32VarP(&f.rank, "rank", "r", 0, "rank, installed as the metric of mesh routes that carry none")
	fs.StringVar(&f.routesFile, "routes-file", "", "route export file of the mesh stack")
}

// apply overrides the configuration with the flags set on the command line.
func (f *flags) apply(fs *pflag.FlagSet, config *Config) error {
	if f.verbose > 0 {
		config.LogLevel = "verbose"
	}
	if fs.Changed("interface") {
		config.Interface = f.iface
	}
	if fs.Changed("prefix") {
		config.Prefix = f.prefix
	}
	if fs.Changed("dagid") {
		config.DAGID = f.dagID
	}
	if fs.Changed("rank") {
		config.Metric = f.rank
	}
	if fs.Changed("routes-file") {
		config.RoutesFile = f.routesFile
	}
	return config.parse()
}

func newCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "RPL border router daemon",
		Long: "Installs the routes learned from an RPL mesh into the kernel " +
			"forwarding table and keeps them up to date.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := LoadConfig(f.config)
			if err != nil {
				return err
			}
			if err := f.apply(cmd.Flags(), config); err != nil {
				return err
			}
			if config.Interface == "" {
				return errors.New("no interface given, use --interface or the config file")
			}
			cmd.SilenceUsage = true
			return run(config)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func run(config *Config) error {
	logger, err := newLogger(config.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()
	log.Infof("Starting rpld-go with log level: %s", config.LogLevel)

	daemon := NewBRDaemon(config, log)
	if err := daemon.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		log.Infof("Shutting down...")
		daemon.Stop()
		return nil
	case err := <-daemon.Done():
		daemon.Stop()
		return err
	}
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
