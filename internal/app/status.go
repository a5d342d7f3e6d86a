package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Status prints the indexer cursor, per-asset rollups, and recent issues.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := store.ReadCheckpoint(ctx)
	if err != nil {
		return err
	}
	total, err := store.CountPriceUpdates(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "last_block:        %d\n", cp.LastBlock)
	fmt.Fprintf(os.Stdout, "chain_tip:         %d\n", cp.ChainTip)
	fmt.Fprintf(os.Stdout, "backfill_complete: %t\n", cp.IsBackfillComplete)
	if !cp.UpdatedAt.IsZero() {
		fmt.Fprintf(os.Stdout, "updated_at:        %s\n", cp.UpdatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(os.Stdout, "price_updates:     %d\n\n", total)

	assets, err := store.ListAssets(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(assets) > 0 {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Asset\tFirst Seen\tLast Seen\tBatches")
		for _, asset := range assets {
			fmt.Fprintf(writer, "%s\t%d\t%d\t%d\n",
				shortenID(asset.EncodedAssetID),
				asset.FirstSeenBlock,
				asset.LastSeenBlock,
				asset.UpdateCount,
			)
		}
		writer.Flush()
		fmt.Fprintln(os.Stdout)
	}

	issues, err := store.ListRecentIssues(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Fprintln(os.Stdout, "no issues detected")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tAsset\tType\tSeverity\tBlock\tDetails")
	for _, issue := range issues {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
			issue.DetectedAt.UTC().Format(time.RFC3339),
			shortenID(issue.EncodedAssetID),
			issue.IssueType,
			issue.Severity,
			issue.BlockNumber,
			sanitizeInline(string(issue.Details)),
		)
	}
	writer.Flush()
	return nil
}

func shortenID(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:10] + ".." + id[len(id)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
