package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wxhelper/internal/domain"
	"wxhelper/internal/store"
)

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect and clean up stored files on the running server",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored files, most recently seen first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Files []store.FileRecord `json:"files"`
			}
			resp, err := adminClient(cfg).R().
				SetQueryParam("limit", strconv.Itoa(limit)).
				SetResult(&out).SetError(&apiError{}).
				Get("/api/files")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), errorText(resp))
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tLAST SEEN\tUNIQUE ID")
			for _, f := range out.Files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Name, humanSize(f.Size),
					time.Unix(f.LastSeen, 0).Format(time.DateTime), f.UniqueID)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of files")

	var days int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stored files older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req := adminClient(cfg).R()
			if days >= 0 {
				req.SetQueryParam("days", strconv.Itoa(days))
			}
			var out struct {
				Removed int `json:"removed"`
			}
			resp, err := req.SetResult(&out).SetError(&apiError{}).Post("/api/files/cleanup")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), errorText(resp))
			}
			fmt.Printf("Removed %d file(s).\n", out.Removed)
			return nil
		},
	}
	cleanup.Flags().IntVar(&days, "days", -1, "age cutoff in days (default: files.retentionDays)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show message history and file storage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var st domain.StoreStats
			resp, err := adminClient(cfg).R().SetResult(&st).SetError(&apiError{}).Get("/api/store/stats")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), errorText(resp))
			}
			fmt.Printf("Messages: %d (%d in, %d out, %d system)\n", st.TotalMessages, st.Inbound, st.Outbound, st.System)
			fmt.Printf("Files:    %d (%s)\n", st.Files, humanSize(st.FileBytes))
			if st.FirstAt != nil && st.LastAt != nil {
				fmt.Printf("Range:    %s to %s\n", st.FirstAt.Local().Format(time.DateTime), st.LastAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.AddCommand(list, cleanup, stats)
	return cmd
}
