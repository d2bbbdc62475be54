// Command fcpquery is a thin demo CLI over the fcppm engine library.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"fcppm"
	"fcppm/catalog"
	"fcppm/internal/config"
	"fcppm/orchestrator"
)

func main() {
	var (
		flagMarket      = flag.String("market", "spot", "one of spot|futures-linear|futures-inverse")
		flagSymbol      = flag.String("symbol", "", "e.g. BTCUSDT")
		flagInterval    = flag.String("interval", "", "candlestick interval, e.g. 1h, 1m, 1d")
		flagStartTime   = flag.String("startTime", "", "RFC3339 start, e.g. 2024-01-10T00:00:00Z")
		flagEndTime     = flag.String("endTime", "", "RFC3339 end, e.g. 2024-01-11T00:00:00Z")
		flagAutoReindex = flag.Bool("autoReindex", false, "dense series with null-padded gaps instead of available-only rows")
	)

	flag.Parse()

	if *flagSymbol == "" {
		exit("Empty symbol.", true)
	}
	if *flagInterval == "" {
		exit("Empty interval.", true)
	}
	if *flagStartTime == "" {
		exit("Empty startTime.", true)
	}
	if *flagEndTime == "" {
		exit("Empty endTime.", true)
	}

	market, err := parseMarket(*flagMarket)
	if err != nil {
		exit(err.Error(), true)
	}
	interval, err := parseInterval(*flagInterval)
	if err != nil {
		exit(err.Error(), true)
	}
	start, err := time.Parse(time.RFC3339, *flagStartTime)
	if err != nil {
		exit(fmt.Sprintf("invalid startTime %q: %v.", *flagStartTime, err), true)
	}
	end, err := time.Parse(time.RFC3339, *flagEndTime)
	if err != nil {
		exit(fmt.Sprintf("invalid endTime %q: %v.", *flagEndTime, err), true)
	}

	engine, err := fcppm.NewEngine(config.Load(), nil)
	if err != nil {
		exit(fmt.Sprintf("error building engine: %v", err), false)
	}

	series, err := engine.Query(context.Background(), fcppm.QueryParams{
		Symbol:      *flagSymbol,
		Market:      market,
		Interval:    interval,
		Start:       start.UTC(),
		End:         end.UTC(),
		AutoReindex: *flagAutoReindex,
		Override:    orchestrator.Auto,
	})
	if err != nil {
		exit(err.Error(), false)
	}

	for _, row := range series.Rows {
		bs, _ := json.Marshal(row)
		fmt.Println(string(bs))
	}
}

func parseMarket(s string) (catalog.MarketClass, error) {
	switch s {
	case "spot":
		return catalog.Spot, nil
	case "futures-linear":
		return catalog.FuturesLinear, nil
	case "futures-inverse":
		return catalog.FuturesInverse, nil
	default:
		return 0, fmt.Errorf("market must be one of spot|futures-linear|futures-inverse, got %q", s)
	}
}

func parseInterval(s string) (catalog.Interval, error) {
	for _, iv := range []catalog.Interval{
		catalog.Interval1s, catalog.Interval1m, catalog.Interval3m, catalog.Interval5m,
		catalog.Interval15m, catalog.Interval30m, catalog.Interval1h, catalog.Interval2h,
		catalog.Interval4h, catalog.Interval6h, catalog.Interval8h, catalog.Interval12h, catalog.Interval1d,
	} {
		if iv.Canonical() == s {
			return iv, nil
		}
	}
	return 0, fmt.Errorf("unsupported interval %q", s)
}

func exit(s string, showUsage bool) {
	log.Println(s)
	if showUsage {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(0)
}
