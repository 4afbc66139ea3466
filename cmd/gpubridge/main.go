// Command gpubridge runs externally compiled GPU kernels through the CUDA
// driver API, or through the simulated device when no GPU is present.
//
// Usage:
//
//	gpubridge [command] [flags]
//
// Commands:
//
//	run      upload two vectors, run each configured kernel, print results
//	devices  list devices visible to the backend
//	kernels  show the kernel manifest or checksum a kernel library
//	audit    list recorded sessions and leaked handles
//
// Example:
//
//	# Run the vec-add demo on whatever backend is available
//	gpubridge run
//
//	# Force the CUDA driver and a custom kernel library
//	gpubridge run --backend cuda --manifest ./build/kernels.yaml
//
//	# Half precision on the simulated device, recording an audit session
//	gpubridge run --backend sim --dtype f16 --audit
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/gpubridge/pkg/config"
	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/logging"
)

// Populated by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configFile string
	backend    string
	device     int
	manifest   string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Without a working driver nothing else can run.
		if errors.Is(err, cuda.ErrInitialization) {
			logging.Get().WithError(err).Fatal("GPU driver failed to initialize")
		}
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "gpubridge",
		Short:         "Run externally compiled GPU kernels",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return logging.Init(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Console)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default ~/.gpubridge/gpubridge.yaml)")
	pf.StringVar(&flags.backend, "backend", "", "compute backend: auto, cuda or sim")
	pf.IntVar(&flags.device, "device", 0, "device ordinal")
	pf.StringVar(&flags.manifest, "manifest", "", "kernel manifest (built-in vec_add manifest if empty)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(
		newRunCmd(cfgFn),
		newDevicesCmd(cfgFn),
		newKernelsCmd(cfgFn),
		newAuditCmd(cfgFn),
	)
	return root
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.GPU.Backend = flags.backend
	}
	if changed("device") {
		cfg.GPU.Device = flags.device
	}
	if changed("manifest") {
		cfg.GPU.KernelManifest = flags.manifest
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}
	return cfg, nil
}
