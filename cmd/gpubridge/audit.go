package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/orneryd/gpubridge/pkg/audit"
	"github.com/orneryd/gpubridge/pkg/config"
)

func newAuditCmd(cfg func() *config.Config) *cobra.Command {
	var (
		dir     string
		session string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded sessions, or the leaks of one session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if dir == "" {
				dir = c.Audit.Dir
			}
			store, err := audit.Open(dir)
			if err != nil {
				return err
			}
			defer store.Close()

			if session != "" {
				return showSession(cmd.OutOrStdout(), store, session)
			}
			return listSessions(cmd.OutOrStdout(), store)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "audit store directory (default from config)")
	cmd.Flags().StringVar(&session, "session", "", "show one session in detail")
	return cmd
}

func listSessions(w io.Writer, store *audit.Store) error {
	sessions, err := store.Sessions()
	if err != nil {
		return err
	}

	// Sessions of processes that exited without closing their ledger are
	// rebuilt from their records.
	unfinished, err := store.Unfinished()
	if err != nil {
		return err
	}
	for _, id := range unfinished {
		records, err := store.Records(id)
		if err != nil {
			return err
		}
		sessions = append(sessions, audit.Replay(id, records))
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, "No audit sessions recorded")
		return nil
	}

	var data [][]string
	for _, s := range sessions {
		status := "clean"
		if !s.Clean() {
			status = "LEAKED"
		}
		data = append(data, []string{
			s.Session,
			humanize.Time(s.Started),
			strconv.Itoa(s.Allocs),
			strconv.Itoa(s.Frees),
			strconv.Itoa(s.Launches),
			humanize.IBytes(s.PeakBytes),
			strconv.Itoa(len(s.Leaks)),
			strconv.Itoa(len(s.Violations)),
			status,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SESSION", "STARTED", "ALLOCS", "FREES", "LAUNCHES", "PEAK", "LEAKS", "DOUBLE FREES", "STATUS"})
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

func showSession(w io.Writer, store *audit.Store, id string) error {
	records, err := store.Records(id)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: %s", audit.ErrSessionNotFound, id)
	}
	s := audit.Replay(id, records)

	fmt.Fprintf(w, "Session:  %s\n", s.Session)
	fmt.Fprintf(w, "Duration: %s (%s)\n", s.Ended.Sub(s.Started), humanize.Time(s.Started))
	fmt.Fprintf(w, "Memory:   %s allocated, %s peak\n", humanize.IBytes(s.BytesAllocated), humanize.IBytes(s.PeakBytes))
	fmt.Fprintf(w, "Launches: %d over %s elements\n\n", s.Launches, humanize.Comma(int64(s.Elements)))

	for _, r := range records {
		line := fmt.Sprintf("%4d  %-16s %#x", r.Seq, r.Kind, r.Handle)
		switch {
		case r.Kernel != "":
			line += fmt.Sprintf("  %s %s n=%d", r.Kernel, r.Geometry, r.Elements)
		case r.Bytes > 0:
			line += "  " + humanize.IBytes(r.Bytes)
		}
		fmt.Fprintln(w, line)
	}

	if s.Clean() {
		fmt.Fprintln(w, "\n✅ Every handle was released exactly once")
		return nil
	}
	fmt.Fprintln(w)
	for _, l := range s.Leaks {
		fmt.Fprintf(w, "⚠️  leaked %s\n", l)
	}
	for _, v := range s.Violations {
		fmt.Fprintf(w, "❌ %s\n", v.Reason)
	}
	return nil
}
