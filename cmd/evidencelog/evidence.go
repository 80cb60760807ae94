package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/evidencelog/evidencelog/internal/client"
	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/pkg/proto"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newClient(cfg *config.Config) *client.Client {
	return client.New(cfg.Client.Server, cfg.ClientTimeout())
}

func newSubmitCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a file and record it on the ledger",
		Long: `Upload a file to content storage, record its identifier on the ledger and
wait for confirmation. The file name is stored as the record metadata, so
incident names of the form EVENT_lat_lon_YYYYMMDD_HHMMSS.ext are shown with
their fields decoded.

Examples:
  evidencelog submit Crash_11.92_75.38_20250313_040653.mp4
  evidencelog submit clip.mp4 --description "rear camera"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Confirmation can take as long as the server allows, so the
			// request is bounded by the command context only.
			c := client.New(cfg.Client.Server, 0)
			resp, err := c.SubmitFile(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Committed %s\n", resp.Name)
			_, _ = fmt.Fprintf(w, "  Content ID: %s\n", resp.ContentID)
			_, _ = fmt.Fprintf(w, "  Tx hash:    %s\n", resp.TxHash)
			_, _ = fmt.Fprintf(w, "  Height:     %s\n", resp.Height)
			if resp.URL != "" {
				_, _ = fmt.Fprintf(w, "  URL:        %s\n", resp.URL)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "free-text note stored with the record")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every evidence record on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			list, err := newClient(cfg).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list evidence: %w", err)
			}
			if len(list) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No evidence recorded")
				return nil
			}
			printEvidenceTable(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func printEvidenceTable(out io.Writer, list []proto.Evidence) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCONTENT ID\tEVENT\tLOCATION\tDATE\tTIME\tMETADATA")
	for _, e := range list {
		event, location, date, clock := "-", "-", "-", "-"
		if e.Fields != nil {
			event, location, date, clock = e.Fields.EventName, e.Fields.Location, e.Fields.Date, e.Fields.Time
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.ContentID, event, location, date, clock, e.Metadata)
	}
	_ = w.Flush()
}

func newGetCmd() *cobra.Command {
	var showQR bool
	var qrFile string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one evidence record",
		Long: `Show one evidence record by its ledger id.

Examples:
  evidencelog get 0
  evidencelog get 0 --qr             # print a QR code for the content URL
  evidencelog get 0 --qr-file qr.png # save the QR code as PNG`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: must be a non-negative integer", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c := newClient(cfg)
			e, err := c.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printEvidence(cmd.OutOrStdout(), e)

			if showQR && e.URL != "" {
				q, err := qrcode.New(e.URL, qrcode.Medium)
				if err != nil {
					return fmt.Errorf("encode qr code: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), q.ToSmallString(false))
			}
			if qrFile != "" {
				return saveQR(cmd.Context(), c, id, qrFile)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showQR, "qr", false, "print a QR code for the content URL")
	cmd.Flags().StringVar(&qrFile, "qr-file", "", "write the server-rendered QR code PNG to this file")
	return cmd
}

func printEvidence(w io.Writer, e *proto.Evidence) {
	_, _ = fmt.Fprintf(w, "Evidence %s\n", e.ID)
	_, _ = fmt.Fprintf(w, "  Content ID: %s\n", e.ContentID)
	_, _ = fmt.Fprintf(w, "  Metadata:   %s\n", e.Metadata)
	if e.Note != "" {
		_, _ = fmt.Fprintf(w, "  Note:       %s\n", e.Note)
	}
	if e.Submitter != "" {
		_, _ = fmt.Fprintf(w, "  Submitter:  %s\n", e.Submitter)
	}
	if e.URL != "" {
		_, _ = fmt.Fprintf(w, "  URL:        %s\n", e.URL)
	}
	if f := e.Fields; f != nil {
		_, _ = fmt.Fprintf(w, "  Event:      %s\n", f.EventName)
		_, _ = fmt.Fprintf(w, "  Location:   %s\n", f.Location)
		_, _ = fmt.Fprintf(w, "  Date:       %s %s\n", f.Date, f.Time)
	}
}

func saveQR(ctx context.Context, c *client.Client, id uint64, path string) error {
	png, err := c.QR(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch qr code: %w", err)
	}
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("write qr code: %w", err)
	}
	return nil
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <content-id>",
		Short: "Check whether a content ID is a valid deep link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			valid, err := newClient(cfg).Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("%s is not recorded as evidence", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is recorded as evidence\n", args[0])
			return nil
		},
	}
}
