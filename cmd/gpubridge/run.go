package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/orneryd/gpubridge/pkg/audit"
	"github.com/orneryd/gpubridge/pkg/config"
	"github.com/orneryd/gpubridge/pkg/gpu"
	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/logging"
)

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	var (
		elements int
		dtype    string
		record   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Add two vectors with every configured kernel and print the first results",
		Long: `Uploads x[i] = y[i] = i, runs each configured kernel into a fresh output
buffer and prints the first results of each, which are 0, 2, 4, ...

--dtype selects the element type: f32, f16, f64, i32, i64 or u32. Without a
kernel manifest the stock library is assumed to be built for that type.
With f16 the inputs are i mod 2048 so every value and sum is exact in half
precision.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if cmd.Flags().Changed("elements") {
				c.Run.Elements = elements
			}
			if cmd.Flags().Changed("dtype") {
				c.Run.DType = dtype
			}
			if cmd.Flags().Changed("audit") {
				c.Audit.Enabled = record
			}
			if err := c.Validate(); err != nil {
				return err
			}
			return runDemo(cmd.OutOrStdout(), c)
		},
	}

	cmd.Flags().IntVar(&elements, "elements", 0, "number of elements (default from config: 16000000)")
	cmd.Flags().StringVar(&dtype, "dtype", "", "element type: f32, f16, f64, i32, i64 or u32")
	cmd.Flags().BoolVar(&record, "audit", false, "record resource lifecycle in the audit store")
	return cmd
}

func runDemo(w io.Writer, c *config.Config) (err error) {
	log := logging.WithComponent("run")

	m, err := c.Manifest()
	if err != nil {
		return err
	}
	opts := []gpu.SessionOption{gpu.WithManifest(m)}
	if c.Audit.Enabled {
		store, oerr := audit.Open(c.Audit.Dir)
		if oerr != nil {
			return oerr
		}
		defer store.Close()

		ledger := audit.New(audit.WithStore(store))
		defer func() {
			if cerr := ledger.Close(); cerr != nil && err == nil {
				err = cerr
			}
			sum := ledger.Summary()
			fmt.Fprintf(w, "📋 Audit session %s: %d allocs, %d frees, %d leaks\n",
				sum.Session, sum.Allocs, sum.Frees, len(sum.Leaks))
		}()
		opts = append(opts, gpu.WithObserver(ledger))
	}

	s, err := gpu.NewSession(c.Session(), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	g := c.Run.Geometry.Launch()
	fmt.Fprintf(w, "🚀 gpubridge %s\n\n", version)
	fmt.Fprintf(w, "Configuration:\n")
	fmt.Fprintf(w, "  Backend:  %s (%s, %s)\n", s.Backend(), s.DeviceName(),
		humanize.IBytes(s.DeviceInfo().TotalMemory))
	fmt.Fprintf(w, "  Elements: %s %s\n", humanize.Comma(int64(c.Run.Elements)), c.Run.DType)
	fmt.Fprintf(w, "  Geometry: %s\n\n", g)

	n := c.Run.Elements
	switch c.Run.DType {
	case "f16":
		xs := fill(n, func(i int) float16.Float16 { return float16.Fromfloat32(float32(i % 2048)) })
		err = runKernels(w, s, c, g, xs, func(v float16.Float16) string { return fmt.Sprint(v.Float32()) })
	case "f64":
		err = runKernels(w, s, c, g, fill(n, func(i int) float64 { return float64(i) }), sprint[float64])
	case "i32":
		err = runKernels(w, s, c, g, fill(n, func(i int) int32 { return int32(i) }), sprint[int32])
	case "i64":
		err = runKernels(w, s, c, g, fill(n, func(i int) int64 { return int64(i) }), sprint[int64])
	case "u32":
		err = runKernels(w, s, c, g, fill(n, func(i int) uint32 { return uint32(i) }), sprint[uint32])
	default:
		err = runKernels(w, s, c, g, fill(n, func(i int) float32 { return float32(i) }), sprint[float32])
	}
	if err != nil {
		return err
	}

	st := s.Stats()
	fmt.Fprintf(w, "✅ Done: %d launches, %s uploaded, %s downloaded, peak %s\n",
		st.KernelExecutions,
		humanize.IBytes(uint64(st.BytesUploaded)),
		humanize.IBytes(uint64(st.BytesDownloaded)),
		humanize.IBytes(uint64(st.PeakBytes)))
	log.WithField("launches", st.KernelExecutions).Debug("run finished")
	return nil
}

func fill[T cuda.Element](n int, at func(int) T) []T {
	xs := make([]T, n)
	for i := range xs {
		xs[i] = at(i)
	}
	return xs
}

func sprint[T cuda.Element](v T) string { return fmt.Sprint(v) }

// runKernels uploads xs once as both inputs and runs every configured
// kernel against them.
func runKernels[T cuda.Element](w io.Writer, s *gpu.Session, c *config.Config, g cuda.LaunchGeometry, xs []T, format func(T) string) (err error) {
	x, err := gpu.Upload(s, xs)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := s.Free(x); ferr != nil && err == nil {
			err = ferr
		}
	}()
	y, err := gpu.Upload(s, xs)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := s.Free(y); ferr != nil && err == nil {
			err = ferr
		}
	}()

	for _, kernel := range c.Run.Kernels {
		start := time.Now()
		res, err := runOne[T](s, kernel, g, x, y, len(xs))
		if err != nil {
			return fmt.Errorf("%s: %w", kernel, err)
		}

		fmt.Fprintf(w, "⚙️  %s (%s)\n", kernel, time.Since(start).Round(time.Millisecond))
		for i := 0; i < c.Run.Preview && i < len(res); i++ {
			fmt.Fprintf(w, "%d): %s\n", i, format(res[i]))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// runOne launches kernel into a new output buffer and materializes it.
func runOne[T cuda.Element](s *gpu.Session, kernel string, g cuda.LaunchGeometry, x, y *cuda.Buffer, n int) (res []T, err error) {
	out, err := gpu.Alloc[T](s, n)
	if err != nil {
		return nil, err
	}
	defer func() {
		if ferr := s.Free(out); ferr != nil && err == nil {
			res, err = nil, ferr
		}
	}()

	if err := s.Launch(kernel, g, []*cuda.Buffer{x, y}, out, uint64(n)); err != nil {
		return nil, err
	}
	return gpu.Download[T](s, out)
}
