package ragserve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Name is the service name.
	Name = "ragserve"

	commandDesc = `Tenant-aware retrieval-augmented question answering service.

The server retrieves grounding passages from a per-tenant vector
collection, assembles a budgeted prompt, and generates a cited answer.

Providers: dummy (deterministic, network-free), ollama, openai.
Stores: memory (in-process), milvus.`
)

// NewApp builds the root command.
func NewApp() *cobra.Command {
	opts := NewOptions()
	var configFile string

	cmd := &cobra.Command{
		Use:           Name,
		Short:         "Tenant-aware RAG question answering service",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(configFile, cmd.Flags(), opts); err != nil {
				return err
			}
			if err := opts.Log.Init(); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return run(opts)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file")
	opts.AddFlags(cmd.Flags())

	return cmd
}

// loadConfig overlays the configuration sources onto the defaults.
// Precedence is explicitly-set flags, then RAGSERVE_* environment
// variables, then the configuration file. Binding the flag set keys
// is what lets AutomaticEnv surface env values through Unmarshal.
func loadConfig(configFile string, fs *pflag.FlagSet, opts *Options) error {
	v := viper.New()
	v.SetEnvPrefix("RAGSERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// run builds the server and serves until a termination signal.
func run(opts *Options) error {
	ctx := setupSignalContext()

	server, err := NewServer(ctx, opts)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return server.Run(ctx)
}

// setupSignalContext returns a context cancelled on SIGINT or SIGTERM.
// A second signal exits immediately.
func setupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()
	return ctx
}
