package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/orneryd/gpubridge/pkg/config"
	"github.com/orneryd/gpubridge/pkg/gpu/kernels"
)

func newKernelsCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "Show the kernel manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(cfg())
			if err != nil {
				return err
			}
			return showManifest(cmd.OutOrStdout(), m)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "checksum LIBRARY",
		Short: "Print the blake2b-256 checksum of a kernel library for the manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := kernels.Checksum(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in manifest as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := kernels.Default().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func loadManifest(c *config.Config) (*kernels.Manifest, error) {
	if c.GPU.KernelManifest == "" {
		return kernels.Default(), nil
	}
	return kernels.Load(c.GPU.KernelManifest)
}

func showManifest(w io.Writer, m *kernels.Manifest) error {
	fmt.Fprintf(w, "Library:  %s\n", m.LibraryPath())
	fmt.Fprintf(w, "Prefix:   %s\n", m.Prefix)
	if m.Checksum != "" {
		status := "ok"
		if err := m.Verify(); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(w, "Checksum: %s (%s)\n", m.Checksum, status)
	}
	fmt.Fprintln(w)

	var data [][]string
	for _, e := range m.Entries {
		data = append(data, []string{
			m.Prefix + e.Name,
			strconv.Itoa(e.Inputs),
			e.DType,
			strconv.FormatBool(e.ReturnsStatus),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SYMBOL", "INPUTS", "DTYPE", "STATUS"})
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
