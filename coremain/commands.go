package coremain

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/errkind"
	"github.com/pmkol/secdata/pkg/statements"
)

// periodFlags are shared by every command that reads a frame period.
type periodFlags struct {
	year    int
	quarter int
	instant bool
}

func (pf *periodFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&pf.year, "year", time.Now().Year()-1, "calendar year")
	fs.IntVar(&pf.quarter, "quarter", 0, "quarter 1-4, 0 for the whole year")
	fs.BoolVar(&pf.instant, "instant", false, "point in time value at the end of the quarter")
}

func (pf *periodFlags) period() (edgar.Period, error) {
	p := edgar.Period{Year: pf.year, Quarter: pf.quarter, Instant: pf.instant}
	return p, p.Validate()
}

// withApp builds the App for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, gf *globalFlags, f func(ctx context.Context, a *App) error) error {
	cfg, lg, err := gf.load()
	if err != nil {
		return err
	}
	a, err := NewApp(cfg, lg)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(cmd.Context(), a)
}

func newCompanyInfoCmd(gf *globalFlags) *cobra.Command {
	var (
		limit int
		forms []string
	)
	cmd := &cobra.Command{
		Use:   "company-info <cik|ticker>",
		Short: "Show company information and recent filings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				cik, err := a.edgar.ResolveCIK(ctx, args[0])
				if err != nil {
					return err
				}
				s, err := a.edgar.Submissions(ctx, cik)
				if err != nil {
					return err
				}
				out := s.Company(limit, forms...)
				return render(cmd.OutOrStdout(), gf.output, out, func(w io.Writer) error {
					fmt.Fprintf(w, "Name: %s\n", out.Name)
					fmt.Fprintf(w, "CIK: %s\n", s.CIK)
					if len(s.Tickers) > 0 {
						fmt.Fprintf(w, "Tickers: %s\n", strings.Join(s.Tickers, ", "))
					}
					if len(s.Exchanges) > 0 {
						fmt.Fprintf(w, "Exchanges: %s\n", strings.Join(s.Exchanges, ", "))
					}
					if s.SICDescription != "" {
						fmt.Fprintf(w, "Industry: %s (SIC %s)\n", s.SICDescription, s.SIC)
					}
					if len(out.RecentFilings) == 0 {
						return nil
					}
					fmt.Fprintln(w, "\nRecent filings:")
					tw := newTable(w)
					fmt.Fprintln(tw, "FORM\tFILED\tREPORT\tACCESSION")
					for _, f := range out.RecentFilings {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Form, f.FilingDate, f.ReportDate, f.AccessionNumber)
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "filings", 10, "number of recent filings, 0 for all")
	cmd.Flags().StringSliceVar(&forms, "forms", nil, "only list these form types, e.g. 10-K,10-Q")
	return cmd
}

func newTickersCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tickers [symbol]",
		Short: "Look up a ticker symbol, or list all of them.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				var list []edgar.Ticker
				if len(args) == 1 {
					t, err := a.edgar.LookupTicker(ctx, args[0])
					if err != nil {
						return err
					}
					list = []edgar.Ticker{t}
				} else {
					all, err := a.edgar.CompanyTickers(ctx)
					if err != nil {
						return err
					}
					list = all.List()
				}
				return render(cmd.OutOrStdout(), gf.output, list, func(w io.Writer) error {
					tw := newTable(w)
					fmt.Fprintln(tw, "TICKER\tCIK\tNAME")
					for _, t := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Ticker, t.CIK, t.Title)
					}
					return tw.Flush()
				})
			})
		},
	}
}

func newConceptCmd(gf *globalFlags) *cobra.Command {
	var taxonomy, tag string
	cmd := &cobra.Command{
		Use:   "concept <cik|ticker>",
		Short: "Show every reported value of a financial concept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				cik, err := a.edgar.ResolveCIK(ctx, args[0])
				if err != nil {
					return err
				}
				c, err := a.edgar.Concept(ctx, cik, taxonomy, tag)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, c, func(w io.Writer) error {
					fmt.Fprintf(w, "%s %s/%s\n", c.EntityName, c.Taxonomy, c.Tag)
					for _, unit := range sortedKeys(c.Units) {
						fmt.Fprintf(w, "\nValues in %s:\n", unit)
						for _, f := range c.Units[unit] {
							fmt.Fprintf(w, "%s: %s\n", f.End, formatValue(unit, f.Val))
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&taxonomy, "taxonomy", "us-gaap", "taxonomy of the concept")
	cmd.Flags().StringVar(&tag, "concept", "Assets", "concept tag")
	return cmd
}

func newFactsCmd(gf *globalFlags) *cobra.Command {
	var taxonomy string
	cmd := &cobra.Command{
		Use:   "facts <cik|ticker>",
		Short: "List the concepts a company reported.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				cik, err := a.edgar.ResolveCIK(ctx, args[0])
				if err != nil {
					return err
				}
				f, err := a.edgar.Facts(ctx, cik)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, f, func(w io.Writer) error {
					fmt.Fprintf(w, "%s (CIK %s)\n", f.EntityName, f.CIK)
					if taxonomy == "" {
						for _, tax := range sortedKeys(f.Facts) {
							fmt.Fprintf(w, "%s: %d concepts\n", tax, len(f.Facts[tax]))
						}
						return nil
					}
					tw := newTable(w)
					fmt.Fprintln(tw, "TAG\tLABEL")
					for _, tag := range f.Tags(taxonomy) {
						c, _ := f.Concept(taxonomy, tag)
						fmt.Fprintf(tw, "%s\t%s\n", tag, c.Label)
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&taxonomy, "taxonomy", "", "list the concept tags of this taxonomy")
	return cmd
}

func newFramesCmd(gf *globalFlags) *cobra.Command {
	var (
		pf    periodFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "frames <taxonomy> <tag> <unit>",
		Short: "Show one concept as reported by all companies for a period.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.period()
			if err != nil {
				return err
			}
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				f, err := a.edgar.Frames(ctx, args[0], args[1], args[2], p)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, f, func(w io.Writer) error {
					fmt.Fprintf(w, "%s (%s), %s, %d companies\n", f.Label, f.Tag, f.CCP, len(f.Data))
					tw := newTable(w)
					fmt.Fprintln(tw, "CIK\tNAME\tEND\tVALUE")
					for i, d := range f.Data {
						if limit > 0 && i == limit {
							break
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.CIK, d.EntityName, d.End, formatValue(f.UOM, d.Val))
					}
					return tw.Flush()
				})
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "rows to print in text output, 0 for all")
	return cmd
}

func newCompareCmd(gf *globalFlags) *cobra.Command {
	var (
		pf     periodFlags
		peers  []string
		metric string
	)
	cmd := &cobra.Command{
		Use:   "compare <cik|ticker>",
		Short: "Rank a company against its peers by one metric.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.period()
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				return errkind.Validationf("compare", "no peers given, use --peers")
			}
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				target, err := a.edgar.ResolveCIK(ctx, args[0])
				if err != nil {
					return err
				}
				ciks := make([]string, 0, len(peers))
				for _, peer := range peers {
					cik, err := a.edgar.ResolveCIK(ctx, peer)
					if err != nil {
						a.logger.Warn("unknown peer", zap.String("peer", peer), zap.Error(err))
						cik = peer
					}
					ciks = append(ciks, cik)
				}
				cmp, err := a.analyzer.ComparePeers(ctx, target, ciks, metric, p)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, cmp, func(w io.Writer) error {
					fmt.Fprintf(w, "%s, %s\n", cmp.Metric, cmp.Period)
					tw := newTable(w)
					fmt.Fprintln(tw, "RANK\tCIK\tNAME\tVALUE")
					for _, r := range cmp.Ranking {
						mark := ""
						if r.CIK == cmp.Target.CIK {
							mark = " *"
						}
						fmt.Fprintf(tw, "%d\t%s\t%s%s\t%s\n", r.Rank, r.CIK, r.EntityName, mark, formatValue("", r.Value))
					}
					if err := tw.Flush(); err != nil {
						return err
					}
					fmt.Fprintf(w, "\nPercentile: %.1f  Median: %s  Mean: %s\n",
						cmp.Percentile, formatValue("", cmp.Median), formatValue("", cmp.Mean))
					for _, e := range cmp.Excluded {
						fmt.Fprintf(w, "excluded %s (%s): %s\n", e.CIK, e.Kind, e.Reason)
					}
					return nil
				})
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "peer ciks or tickers, comma separated")
	cmd.Flags().StringVar(&metric, "metric", "Assets", "metric to rank by")
	return cmd
}

func newPositionCmd(gf *globalFlags) *cobra.Command {
	var (
		pf      periodFlags
		metrics []string
	)
	cmd := &cobra.Command{
		Use:   "position <cik|ticker>",
		Short: "Place a company among all reporting companies.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.period()
			if err != nil {
				return err
			}
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				cik, err := a.edgar.ResolveCIK(ctx, args[0])
				if err != nil {
					return err
				}
				pos, err := a.analyzer.CompanyPosition(ctx, cik, p, metrics)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, pos, func(w io.Writer) error {
					if len(pos) == 0 {
						fmt.Fprintln(w, "no metrics reported for this period")
						return nil
					}
					tw := newTable(w)
					fmt.Fprintln(tw, "METRIC\tPERIOD\tVALUE\tMEDIAN\tMEAN\tPERCENTILE\tCOMPANIES")
					for _, r := range pos {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f\t%d\n", r.Metric, r.Period,
							formatValue("", r.CompanyValue), formatValue("", r.IndustryMedian),
							formatValue("", r.IndustryMean), r.Percentile, r.NumCompanies)
					}
					return tw.Flush()
				})
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().StringSliceVar(&metrics, "metrics", nil, "metrics to analyze, all if empty")
	return cmd
}

func newTopCmd(gf *globalFlags) *cobra.Command {
	var (
		pf periodFlags
		n  int
	)
	cmd := &cobra.Command{
		Use:   "top <metric>",
		Short: "List the companies with the highest value of a metric.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.period()
			if err != nil {
				return err
			}
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				top, err := a.analyzer.TopCompanies(ctx, args[0], p, n)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, top, func(w io.Writer) error {
					fmt.Fprintf(w, "Top companies by %s, %s:\n", args[0], p.Label())
					tw := newTable(w)
					for _, r := range top {
						fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Rank, r.EntityName, formatValue("", r.Value))
					}
					return tw.Flush()
				})
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().IntVarP(&n, "top", "n", 10, "number of companies")
	return cmd
}

func newStatementsCmd(gf *globalFlags) *cobra.Command {
	var (
		pf   periodFlags
		kind string
		n    int
	)
	cmd := &cobra.Command{
		Use:   "statements <cik|ticker>",
		Short: "Print standardized financial statements built from company facts.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.period()
			if err != nil {
				return err
			}
			kinds, err := statements.ParseKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd, gf, func(ctx context.Context, a *App) error {
				cik, err := a.edgar.ResolveCIK(ctx, args[0])
				if err != nil {
					return err
				}
				ss, err := a.stmts.Statements(ctx, cik, kinds, p, n)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), gf.output, ss, func(w io.Writer) error {
					for i, s := range ss {
						if i > 0 {
							fmt.Fprintln(w)
						}
						if err := writeStatement(w, s); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVarP(&kind, "type", "t", "all", "balance-sheet, income-statement, cash-flow or all")
	cmd.Flags().IntVarP(&n, "periods", "n", 4, "number of periods, counting back from the given one")
	return cmd
}

// writeStatement prints one row per line and one column per period. Rows
// keep the order the lines first appear in.
func writeStatement(w io.Writer, s *statements.Statement) error {
	fmt.Fprintf(w, "%s, %s (CIK %s)\n", s.EntityName, strings.ReplaceAll(string(s.Kind), "-", " "), s.CIK)
	var (
		order []string
		names = make(map[string]string)
		cells = make(map[string][]string)
	)
	for i, col := range s.Columns {
		for _, v := range col.Values {
			if _, ok := cells[v.Key]; !ok {
				order = append(order, v.Key)
				names[v.Key] = v.Name
				cells[v.Key] = make([]string, len(s.Columns))
			}
			cells[v.Key][i] = formatLine(v)
		}
	}

	tw := newTable(w)
	fmt.Fprint(tw, "LINE")
	for _, col := range s.Columns {
		fmt.Fprintf(tw, "\t%s", col.Period)
	}
	fmt.Fprintln(tw)
	for _, k := range order {
		fmt.Fprint(tw, names[k])
		for _, c := range cells[k] {
			if c == "" {
				c = "-"
			}
			fmt.Fprintf(tw, "\t%s", c)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func formatLine(v statements.Value) string {
	if v.Unit == "percent" {
		return fmt.Sprintf("%.1f%%", v.Value)
	}
	return formatValue(v.Unit, v.Value)
}

// newClearCacheCmd only opens the cache, so it works without provider
// settings. It fails if the store is unreachable.
func newClearCacheCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache [pattern]",
		Short: "Remove cached responses whose key contains pattern, or all of them.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := gf.load()
			if err != nil {
				return err
			}
			backend, _, err := openCache(cmd.Context(), &cfg.Cache, lg)
			if err != nil {
				return &errkind.Error{Kind: errkind.Cache, Op: "open cache", Err: err}
			}
			defer backend.Close()

			var pattern string
			if len(args) == 1 {
				pattern = args[0]
			}
			n, err := backend.Invalidate(cmd.Context(), pattern)
			if err != nil {
				return &errkind.Error{Kind: errkind.Cache, Op: "clear cache", Err: err}
			}
			out := map[string]any{"pattern": pattern, "removed": n}
			return render(cmd.OutOrStdout(), gf.output, out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Cleared %d cached responses\n", n)
				return err
			})
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
