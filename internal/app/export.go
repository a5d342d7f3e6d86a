package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-index/internal/storage"
)

// Export renders one asset's price and latency history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Asset == "" {
		return errors.New("--asset must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	updates, err := store.ListUpdatesForAsset(ctx, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		a.Logger.Info().Str("asset", opts.Asset).Msg("no updates found for export window")
		return nil
	}

	downsampled := downsampleUpdates(updates, opts.MaxPoints)
	a.Logger.Info().Int("total", len(updates)).Int("exported", len(downsampled)).Msg("exporting updates")

	if opts.CSVPath != "" {
		if err := writeUpdatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeUpdatesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleUpdates(updates []storage.PriceUpdate, max int) []storage.PriceUpdate {
	if max <= 0 || len(updates) <= max {
		return updates
	}

	result := make([]storage.PriceUpdate, 0, max)
	step := float64(len(updates)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(updates) {
			idx = len(updates) - 1
		}
		result = append(result, updates[idx])
	}
	return result
}

func writeUpdatesCSV(path string, updates []storage.PriceUpdate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"tx_hash", "log_index", "block_number", "block_timestamp", "price", "time_delay_ms"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, u := range updates {
		delay := ""
		if u.TimeDelayMs != nil {
			delay = strconv.FormatInt(*u.TimeDelayMs, 10)
		}
		record := []string{
			u.TxHash,
			strconv.FormatUint(uint64(u.LogIndex), 10),
			strconv.FormatUint(u.BlockNumber, 10),
			strconv.FormatInt(u.BlockTimestamp, 10),
			u.Price.String(),
			delay,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeUpdatesPNG(path string, updates []storage.PriceUpdate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(updates))
	prices := make([]float64, 0, len(updates))
	delays := make([]float64, 0, len(updates))

	for _, u := range updates {
		// Updates whose block timestamp was unknown carry the 0 sentinel
		// and cannot be placed on a time axis.
		if u.BlockTimestamp == 0 {
			continue
		}
		x = append(x, time.Unix(u.BlockTimestamp, 0).UTC())
		prices = append(prices, u.Price.InexactFloat64())
		if u.TimeDelayMs != nil {
			delays = append(delays, float64(*u.TimeDelayMs))
		} else {
			delays = append(delays, 0)
		}
	}
	if len(x) < 2 {
		return errors.New("not enough timestamped updates to chart")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Delay (ms)",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: prices,
			},
			chart.TimeSeries{
				Name:    "Delay ms",
				XValues: x,
				YValues: delays,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
