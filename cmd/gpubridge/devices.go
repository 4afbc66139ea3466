package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/orneryd/gpubridge/pkg/config"
	"github.com/orneryd/gpubridge/pkg/gpu"
	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/gpu/sim"
	"github.com/orneryd/gpubridge/pkg/logging"
)

func newDevicesCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices visible to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd.OutOrStdout(), cfg())
		},
	}
}

// openDriver returns the driver for the configured backend. With auto, CUDA
// is used when it loads and the simulated driver otherwise.
func openDriver(c *config.Config) (cuda.Driver, gpu.Backend, error) {
	backend, err := gpu.ParseBackend(c.GPU.Backend)
	if err != nil {
		return nil, gpu.BackendNone, err
	}

	if backend != gpu.BackendSim {
		drv, err := cuda.LoadDriver()
		if err == nil {
			return drv, gpu.BackendCUDA, nil
		}
		if backend == gpu.BackendCUDA || !c.GPU.Fallback {
			return nil, gpu.BackendNone, err
		}
	}

	spec := sim.DefaultDevice()
	if c.GPU.SimMemoryMB > 0 {
		spec.Memory = uint64(c.GPU.SimMemoryMB) << 20
	}
	return sim.NewDriver(spec), gpu.BackendSim, nil
}

func listDevices(w io.Writer, c *config.Config) error {
	drv, backend, err := openDriver(c)
	if err != nil {
		return err
	}

	rt := cuda.NewRuntime(drv, cuda.WithLogger(logging.WithComponent("devices")))
	if err := rt.Init(0); err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.DeviceCount()
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(w, "No %s devices found\n", backend)
		return nil
	}

	var data [][]string
	for i := 0; i < n; i++ {
		info, err := rt.DeviceInfo(i)
		if err != nil {
			return err
		}
		data = append(data, []string{
			strconv.Itoa(info.Ordinal),
			info.Name,
			humanize.IBytes(info.TotalMemory),
			fmt.Sprintf("%d.%d", info.ComputeMajor, info.ComputeMinor),
			strconv.Itoa(info.Multiprocessors),
			strconv.Itoa(info.MaxThreadsPerBlock),
			strconv.Itoa(info.WarpSize),
			string(backend),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "NAME", "MEMORY", "COMPUTE", "SMS", "MAX THREADS", "WARP", "BACKEND"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
