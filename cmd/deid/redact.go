package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"med-deid/internal/engine"
	"med-deid/internal/entity"
	"med-deid/internal/rewrite"
)

// decodeInput wraps r so it yields UTF-8. A UTF-8 or UTF-16 byte order mark
// always wins over enc.
func decodeInput(r io.Reader, enc string) (io.Reader, error) {
	var fallback transform.Transformer
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "utf-8", "utf8":
		fallback = unicode.UTF8.NewDecoder()
	case "gbk", "cp936":
		fallback = simplifiedchinese.GBK.NewDecoder()
	case "gb18030":
		fallback = simplifiedchinese.GB18030.NewDecoder()
	default:
		return nil, fmt.Errorf("unsupported encoding %q (want utf-8, gbk or gb18030)", enc)
	}
	return transform.NewReader(r, unicode.BOMOverride(fallback)), nil
}

// readInput reads path, or stdin when path is "-", as UTF-8.
func readInput(path, enc string, stdin io.Reader) (string, error) {
	src := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close() //nolint:errcheck // read-only
		src = f
	}
	r, err := decodeInput(src, enc)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// redactDocument redacts a whole file body. CSV files are redacted cell by
// cell; anything else in one call, so a value found on one line is
// replaced on every line.
func redactDocument(ctx context.Context, eng *engine.Engine, name, body string) (string, entity.Stats, error) {
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		res, err := eng.Redact(ctx, body)
		if err != nil {
			return "", nil, err
		}
		return res.Text, res.Stats, nil
	}

	rows, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", name, err)
	}
	res, err := eng.RedactCells(ctx, rows)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.WriteAll(res.Cells); err != nil {
		return "", nil, err
	}
	return b.String(), res.Stats, nil
}

type redactOptions struct {
	outDir   string
	encoding string
	summary  bool
	stdin    io.Reader
}

func newRedactCmd(f *globalFlags) *cobra.Command {
	var opts redactOptions
	cmd := &cobra.Command{
		Use:   "redact [file...]",
		Short: "Redact text or CSV files",
		Long: `Redact each file and write the result to --out (same base name) or, without
--out, to stdout. With no file or "-" the input is read from stdin.

All files share one pseudonym mapping, so a person keeps the same
replacement across every file of the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"-"}
			}
			opts.stdin = cmd.InOrStdin()
			return withRuntime(f, func(rt *runtime) error {
				return runRedact(cmd.Context(), rt, opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "output directory")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "utf-8", "input encoding: utf-8, gbk or gb18030")
	cmd.Flags().BoolVar(&opts.summary, "summary", true, "print per-category counts to stderr")
	return cmd
}

func runRedact(ctx context.Context, rt *runtime, opts redactOptions, paths []string, stdout, stderr io.Writer) error {
	eng, err := rt.newEngine()
	if err != nil {
		return err
	}
	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o750); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	runID := uuid.New().String()
	log := rt.log.Module("REDACT")
	log.Infof("run_start", "run=%s files=%d workers=%d strategy=%s", runID, len(paths), rt.cfg.Workers, eng.Strategy())

	var (
		mu      sync.Mutex
		total   = entity.Stats{}
		results = make([]string, len(paths))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.cfg.Workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			body, err := readInput(path, opts.encoding, opts.stdin)
			if err != nil {
				return err
			}
			out, stats, err := redactDocument(ctx, eng, path, body)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			mu.Lock()
			total.Merge(stats)
			mu.Unlock()
			log.Infof("file_done", "run=%s %s: %d replacements", runID, path, stats.Total())

			if opts.outDir == "" || path == "-" {
				results[i] = out
				return nil
			}
			dst := filepath.Join(opts.outDir, filepath.Base(path))
			if err := os.WriteFile(dst, []byte(out), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", dst, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("run_failed", "run=%s: %v", runID, err)
		return err
	}

	// Stdout output keeps argument order regardless of completion order.
	w := bufio.NewWriter(stdout)
	for _, out := range results {
		if out != "" {
			if _, err := w.WriteString(out); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if opts.summary {
		printSummary(stderr, total)
	}
	log.Infof("run_done", "run=%s replacements=%d", runID, total.Total())
	return nil
}

func printSummary(w io.Writer, stats entity.Stats) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "replacements: %d\n", stats.Total())
	for _, k := range keys {
		fmt.Fprintf(w, "  %-22s %d\n", k, stats[k])
	}
}

func newEntitiesCmd(f *globalFlags) *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "entities [file]",
		Short: "List the spans that would be redacted, as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return withRuntime(f, func(rt *runtime) error {
				eng, err := rt.newEngine()
				if err != nil {
					return err
				}
				body, err := readInput(path, encoding, cmd.InOrStdin())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetEscapeHTML(false)
				enc.SetIndent("", "  ")
				found := eng.Entities(body)
				if found == nil {
					found = []rewrite.Finding{}
				}
				return enc.Encode(found)
			})
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "utf-8", "input encoding: utf-8, gbk or gb18030")
	return cmd
}
