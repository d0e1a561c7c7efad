package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/domain"
	"autotrader/pkg/autotrader"
)

const version = "0.2.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: autotrader-cli [-server URL] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                      Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status [-at RFC3339]         Show the market gate\n")
	fmt.Fprintf(os.Stderr, "  orders [-status S]           List orders\n")
	fmt.Fprintf(os.Stderr, "  order <id>                   Show one order\n")
	fmt.Fprintf(os.Stderr, "  create [options]             Create an order (see create -h)\n")
	fmt.Fprintf(os.Stderr, "  assign <id> -portfolio P     Risk-check and approve an order\n")
	fmt.Fprintf(os.Stderr, "  cancel <id> [-reason R]      Cancel an open order\n")
	fmt.Fprintf(os.Stderr, "  sweep                        Run one evaluation pass\n")
	fmt.Fprintf(os.Stderr, "  backtest [options]           Run a backtest and wait for it\n")
	fmt.Fprintf(os.Stderr, "  backtests                    List backtests\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	server := flag.String("server", envOr("AUTOTRADER_URL", "http://localhost:8080"), "autotrader-server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c := autotrader.NewClient(*server)
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Printf("autotrader-cli %s\n", version)
	case "status":
		err = runStatus(ctx, c, args)
	case "orders":
		err = runOrders(ctx, c, args)
	case "order":
		err = withID(args, func(id string, _ []string) error {
			o, err := c.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(o)
		})
	case "create":
		err = runCreate(ctx, c, args)
	case "assign":
		err = withID(args, func(id string, rest []string) error { return runAssign(ctx, c, id, rest) })
	case "cancel":
		err = withID(args, func(id string, rest []string) error { return runCancel(ctx, c, id, rest) })
	case "sweep":
		var trs []autotrader.Transition
		if trs, err = c.Sweep(ctx); err == nil {
			err = printJSON(trs)
		}
	case "backtest":
		err = runBacktest(ctx, c, args)
	case "backtests":
		err = runBacktests(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(ctx context.Context, c *autotrader.Client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	at := fs.String("at", "", "instant to check (RFC3339), default now")
	_ = fs.Parse(args)

	var t time.Time
	if *at != "" {
		var err error
		if t, err = time.Parse(time.RFC3339, *at); err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
	}
	st, err := c.MarketStatus(ctx, t)
	if err != nil {
		return err
	}
	fmt.Printf("phase:      %s\n", st.Phase)
	fmt.Printf("open:       %v\n", st.IsOpen)
	fmt.Printf("next open:  %s\n", st.NextOpen.Format(time.RFC3339))
	fmt.Printf("next close: %s\n", st.NextClose.Format(time.RFC3339))
	return nil
}

func runOrders(ctx context.Context, c *autotrader.Client, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	status := fs.String("status", "", "filter by status (PENDING, APPROVED, ...)")
	_ = fs.Parse(args)

	orders, err := c.ListOrders(ctx, domain.OrderStatus(strings.ToUpper(*status)))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tKIND\tQTY\tSTATUS\tPORTFOLIO\tFILL")
	for _, o := range orders {
		fill := ""
		if o.FillPrice > 0 {
			fill = fmt.Sprintf("%.2f", o.FillPrice)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			o.ID, o.Symbol, o.Side, o.Kind, o.Quantity, o.Status, o.PortfolioID, fill)
	}
	return w.Flush()
}

func runCreate(ctx context.Context, c *autotrader.Client, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	var spec autotrader.OrderSpec
	var side, kind string
	fs.StringVar(&spec.Symbol, "symbol", "", "ticker symbol")
	fs.StringVar(&side, "side", "BUY", "BUY or SELL")
	fs.StringVar(&kind, "kind", "MARKET", "MARKET, LIMIT or STOP_LIMIT")
	fs.Int64Var(&spec.Quantity, "qty", 0, "share quantity")
	fs.Float64Var(&spec.LimitPrice, "limit", 0, "limit price")
	fs.Float64Var(&spec.StopPrice, "stop", 0, "stop price")
	fs.Float64Var(&spec.StopLossPrice, "stop-loss", 0, "protective stop-loss price")
	fs.Float64Var(&spec.TakeProfitPrice, "take-profit", 0, "take-profit price")
	fs.Float64Var(&spec.TrailAmount, "trail", 0, "trailing stop amount")
	fs.Float64Var(&spec.TrailPercent, "trail-pct", 0, "trailing stop percent")
	fs.StringVar(&spec.PortfolioID, "portfolio", "", "portfolio to assign later")
	fs.StringVar(&spec.Reasoning, "reason", "", "free-text rationale")
	_ = fs.Parse(args)

	spec.Side = domain.OrderSide(strings.ToUpper(side))
	spec.Kind = domain.OrderKind(strings.ToUpper(kind))
	spec.Source = "cli"

	o, err := c.CreateOrder(ctx, spec)
	if err != nil {
		return err
	}
	return printJSON(o)
}

func runAssign(ctx context.Context, c *autotrader.Client, id string, args []string) error {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	portfolio := fs.String("portfolio", "", "portfolio ID, default the one given at creation")
	maxPct := fs.Float64("max-position-pct", 0, "position size cap for this order")
	override := fs.Bool("override-tolerance", false, "skip the risk tolerance check")
	ref := fs.Float64("price", 0, "reference price for the checks")
	_ = fs.Parse(args)

	o, err := c.AssignOrder(ctx, id, *portfolio, autotrader.Constraints{
		MaxPositionPercent:    *maxPct,
		OverrideRiskTolerance: *override,
		ReferencePrice:        *ref,
	})
	if err != nil {
		return err
	}
	return printJSON(o)
}

func runCancel(ctx context.Context, c *autotrader.Client, id string, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "", "cancellation reason")
	_ = fs.Parse(args)

	o, err := c.CancelOrder(ctx, id, *reason)
	if err != nil {
		return err
	}
	return printJSON(o)
}

func runBacktest(ctx context.Context, c *autotrader.Client, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	strategy := fs.String("strategy", "sma-cross", "strategy name")
	symbol := fs.String("symbol", "", "ticker symbol")
	start := fs.String("start", "", "start date (YYYY-MM-DD)")
	end := fs.String("end", "", "end date (YYYY-MM-DD)")
	capital := fs.Float64("capital", 0, "initial capital, default from server config")
	benchmark := fs.String("benchmark", "", "benchmark symbol")
	noWait := fs.Bool("no-wait", false, "return once the run is queued")
	_ = fs.Parse(args)

	from, err := time.Parse("2006-01-02", *start)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	to, err := time.Parse("2006-01-02", *end)
	if err != nil {
		return fmt.Errorf("invalid -end: %w", err)
	}

	run, err := c.RunBacktest(ctx, *strategy, autotrader.BacktestParams{
		Symbol:         strings.ToUpper(*symbol),
		Start:          from,
		End:            to,
		InitialCapital: *capital,
		Benchmark:      strings.ToUpper(*benchmark),
	})
	if err != nil {
		return err
	}
	if !*noWait {
		if run, err = c.WaitBacktest(ctx, run.ID, time.Second); err != nil {
			return err
		}
	}
	return printJSON(run)
}

func runBacktests(ctx context.Context, c *autotrader.Client) error {
	runs, err := c.ListBacktests(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTRATEGY\tSYMBOL\tSTATUS\tPROGRESS\tRETURN\tSHARPE")
	for _, r := range runs {
		ret, sharpe := "", ""
		if r.Metrics != nil {
			ret = fmt.Sprintf("%.2f%%", r.Metrics.TotalReturn*100)
			sharpe = fmt.Sprintf("%.2f", r.Metrics.SharpeRatio)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			r.ID, r.Strategy, r.Params.Symbol, r.Status, r.Progress, ret, sharpe)
	}
	return w.Flush()
}

func withID(args []string, fn func(id string, rest []string) error) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("order ID is required")
	}
	return fn(args[0], args[1:])
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
