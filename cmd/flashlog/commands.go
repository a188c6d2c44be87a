package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/unijord/flashlog"
	"github.com/unijord/flashlog/pkg/export"
	"github.com/unijord/flashlog/pkg/flash"
	"github.com/unijord/flashlog/pkg/replay"
)

const timeLayout = "2006-01-02 15:04:05.000"

func parseSession(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid session number %q", s)
	}
	return uint32(n), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func newFormatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Erase the whole chip and write fresh metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("format erases every session; pass --yes to confirm")
			}
			return withEnv(cmd, func(e *env) error {
				if err := e.rec.Format(); err != nil {
					return err
				}
				m := e.rec.Metadata()
				fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: erase cycles %d, last session %d\n",
					e.image.Path(), m.EraseCycles, m.LastSession)
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm the erase")
	return cmd
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device, metadata and recovery scan summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(e *env) error {
				out := cmd.OutOrStdout()
				id := e.rec.DeviceID()
				chip := "unknown"
				if info, ok := flash.Lookup(id); ok {
					chip = info.Name
				}
				fmt.Fprintf(out, "image:        %s\n", e.image.Path())
				fmt.Fprintf(out, "device:       %s (%s)\n", id, chip)
				fmt.Fprintf(out, "geometry:     %s\n", e.rec.Geometry())
				fmt.Fprintf(out, "state:        %s\n", e.rec.State())
				if e.rec.State() != flashlog.StateReady {
					return nil
				}

				m := e.rec.Metadata()
				fmt.Fprintf(out, "formatted at: %s\n", formatTime(m.FormattedAt))
				fmt.Fprintf(out, "erase cycles: %d\n", m.EraseCycles)
				fmt.Fprintf(out, "last session: %d\n", m.LastSession)

				cat, err := e.rec.Scan()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sessions:     %d (%d torn)\n", len(cat.Sessions), len(cat.Torn()))
				fmt.Fprintf(out, "pages:        %d written, %d erased, %d unknown, %d corrupt\n",
					cat.WrittenPages, cat.ErasedPages, cat.UnknownPages, cat.CorruptPages)
				fmt.Fprintf(out, "records:      %d corrupt, %d orphan\n", cat.CorruptRecords, cat.OrphanRecords)
				c := e.rec.Cursor()
				fmt.Fprintf(out, "cursor:       page %d offset %d seq %d\n", c.Page, c.Offset, c.Seq)
				return nil
			})
		},
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(e *env) error {
				sessions, err := e.rec.Sessions()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tSTATUS\tPAGES\tRECORDS\tBYTES\tCORRUPT\tSTARTED\tENDED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%d\t%s\t%d-%d\t%d\t%d\t%d\t%s\t%s\n",
						s.Number, s.Status, s.StartPage, s.EndPage, s.Records, s.Bytes,
						s.CorruptRecords, formatTime(s.StartedAt), formatTime(s.EndedAt))
				}
				return tw.Flush()
			})
		},
	}
}

func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <session>",
		Short: "Print the records of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseSession(args[0])
			if err != nil {
				return err
			}
			expr, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			filter, err := replay.Compile(expr)
			if err != nil {
				return err
			}

			return withEnv(cmd, func(e *env) error {
				cur, err := e.rec.OpenSession(n)
				if err != nil {
					return err
				}
				defer cur.Close()

				out := cmd.OutOrStdout()
				errLimit := errors.New("limit reached")
				res, err := replay.Run(cur, filter, e.cfg.SkipCorrupt, func(rec flashlog.Record) error {
					if err := cmd.Context().Err(); err != nil {
						return err
					}
					fmt.Fprintf(out, "%6d  tag=%-3d page=%d+%d  size=%d  %s\n",
						rec.Index, rec.Tag, rec.Page, rec.Offset, len(rec.Payload), previewHex(rec.Payload, 32))
					if limit > 0 && rec.Index+1 >= limit {
						return errLimit
					}
					return nil
				})
				if err != nil && !errors.Is(err, errLimit) {
					return err
				}
				e.logger.Info("[flashlog.cli]",
					slog.String("event_type", "session.replayed"),
					slog.Uint64("session", uint64(n)),
					slog.Int("read", res.Read),
					slog.Int("matched", res.Matched),
					slog.Int("corrupt", res.Corrupt),
				)
				return nil
			})
		},
	}
	cmd.Flags().String("filter", "", "CEL predicate over tag, size, session, index, page and payload")
	cmd.Flags().Int("limit", 0, "Stop after the record with this index, 0 for no limit")
	return cmd
}

func previewHex(b []byte, n int) string {
	if len(b) <= n {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:n]) + "..."
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <session>",
		Short: "Write a session to a bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseSession(args[0])
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("out")
			if path == "" {
				path = fmt.Sprintf("session-%06d.fls", n)
			}
			expr, _ := cmd.Flags().GetString("filter")
			force, _ := cmd.Flags().GetBool("force")
			filter, err := replay.Compile(expr)
			if err != nil {
				return err
			}

			return withEnv(cmd, func(e *env) error {
				catalogPath, _ := cmd.Flags().GetString("catalog")
				if catalogPath == "" {
					catalogPath = e.cfg.Catalog
				}
				var catalog *export.Catalog
				if catalogPath != "" {
					catalog, err = export.OpenCatalog(catalogPath, e.logger)
					if err != nil {
						return err
					}
					defer catalog.Close()

					prev, ok, err := catalog.Exported(e.rec.DeviceID().String(), n)
					if err != nil {
						return err
					}
					if ok && !force {
						return fmt.Errorf("session %d already exported to %s at %s; pass --force to export again",
							n, prev.Path, formatTime(prev.ExportedAt))
					}
				}

				exp := export.NewExporter(
					export.WithLogger(e.logger),
					export.WithSkipCorrupt(e.cfg.SkipCorrupt),
				)
				m, err := exp.ExportFile(cmd.Context(), e.rec, n, filter, path)
				if err != nil {
					return err
				}
				if catalog != nil {
					if err := catalog.Put(m); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: session %d, %d records, %d bytes, digest %016x, id %s\n",
					m.Path, m.Session, m.Records, m.Size, m.Digest, m.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("out", "", "Bundle file, session-NNNNNN.fls by default")
	cmd.Flags().String("filter", "", "CEL predicate selecting the exported records")
	cmd.Flags().String("catalog", "", "Export catalog file, overrides the config")
	cmd.Flags().Bool("force", false, "Export again even if the catalog has the session")
	return cmd
}

func newExportsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exports",
		Short: "List the exports recorded in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("catalog")
			if path == "" {
				path = cfg.Catalog
			}
			if path == "" {
				return errors.New("no catalog configured; set catalog or pass --catalog")
			}
			logger, err := cfg.Logger(os.Stderr)
			if err != nil {
				return err
			}
			catalog, err := export.OpenCatalog(path, logger)
			if err != nil {
				return err
			}
			defer catalog.Close()

			list, err := catalog.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDEVICE\tSESSION\tSTATUS\tRECORDS\tSIZE\tEXPORTED\tPATH")
			for _, m := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
					m.ID, m.Device, m.Session, m.Status, m.Records, m.Size, formatTime(m.ExportedAt), m.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("catalog", "", "Export catalog file, overrides the config")
	return cmd
}

func newPagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Dump raw pages, metadata page included",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt("from")
			count, _ := cmd.Flags().GetInt("count")
			path, _ := cmd.Flags().GetString("out")

			return withEnv(cmd, func(e *env) error {
				if count <= 0 {
					count = e.rec.Geometry().PageCount - from
				}
				var w io.Writer
				if path != "" {
					f, err := os.Create(path)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				} else {
					d := hex.Dumper(cmd.OutOrStdout())
					defer d.Close()
					w = d
				}
				n, err := export.DumpPages(cmd.Context(), e.rec, from, count, w)
				if err != nil {
					return err
				}
				if path != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages from %d\n", path, n, from)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("from", 0, "First page")
	cmd.Flags().Int("count", 1, "Number of pages, 0 for the rest of the chip")
	cmd.Flags().String("out", "", "Write raw bytes to this file instead of a hex dump")
	return cmd
}

func newSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Record synthetic sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, _ := cmd.Flags().GetInt("sessions")
			records, _ := cmd.Flags().GetInt("records")
			maxPayload, _ := cmd.Flags().GetInt("max-payload")
			tags, _ := cmd.Flags().GetInt("tags")
			seed, _ := cmd.Flags().GetUint64("seed")
			interval, _ := cmd.Flags().GetDuration("interval")
			if maxPayload < 1 || tags < 1 || tags >= int(flashlog.TagReservedMin) {
				return fmt.Errorf("invalid --max-payload %d or --tags %d", maxPayload, tags)
			}

			return withEnv(cmd, func(e *env) error {
				if e.rec.State() == flashlog.StateUnformatted {
					if err := e.rec.Format(); err != nil {
						return err
					}
				}
				rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
				payload := make([]byte, maxPayload)
				var dropped int
				for s := 0; s < sessions; s++ {
					n, err := e.rec.StartSession()
					if err != nil {
						return err
					}
					for i := 0; i < records; i++ {
						if err := cmd.Context().Err(); err != nil {
							return errors.Join(err, e.rec.EndSession())
						}
						size := 1 + rng.IntN(maxPayload)
						for j := range payload[:size] {
							payload[j] = byte(rng.Uint32())
						}
						tag := flashlog.Tag(1 + rng.IntN(tags))
						err := e.rec.Append(tag, payload[:size])
						switch {
						case errors.Is(err, flashlog.ErrNotErased):
							dropped++
						case err != nil:
							return errors.Join(err, e.rec.EndSession())
						}
						if interval > 0 {
							time.Sleep(interval)
						}
					}
					if err := e.rec.EndSession(); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "session %d: %d records\n", n, records)
				}
				st := e.rec.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %d records, %d bytes, %d pages, %d erases, %d dropped\n",
					st.Records, st.Bytes, st.PagesCommitted, st.Erases, dropped)
				return nil
			})
		},
	}
	cmd.Flags().Int("sessions", 1, "Sessions to record")
	cmd.Flags().Int("records", 100, "Records per session")
	cmd.Flags().Int("max-payload", 48, "Largest payload in bytes")
	cmd.Flags().Int("tags", 4, "Tags are drawn from 1..tags")
	cmd.Flags().Uint64("seed", 1, "Random seed")
	cmd.Flags().Duration("interval", 0, "Pause between records")
	return cmd
}
