package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"funnelbot/internal/identity"
	"funnelbot/internal/store"
)

var exportOut string

// exportCmd dumps stored identities
var exportCmd = &cobra.Command{
	Use:   "export [prefix]",
	Short: "Dump stored identities as JSON",
	Long: `Writes every stored identity whose session ID starts with prefix as a JSON
object keyed by session ID. Without a prefix the whole store is exported.

Example:
  funnelbot export ecommerce01/ --out allCookies.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: exportIdentities,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: stdout)")
}

func exportIdentities(cmd *cobra.Command, args []string) error {
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer st.Close()

	var n int
	if exportOut == "" {
		n, err = writeExport(cmd.Context(), st, prefix, cmd.OutOrStdout())
	} else {
		f, cerr := os.Create(exportOut)
		if cerr != nil {
			return fmt.Errorf("failed to create %s: %w", exportOut, cerr)
		}
		n, err = writeExportFile(cmd.Context(), st, prefix, exportOut, f)
	}
	if err != nil {
		return err
	}
	logger.Info("exported identities", zap.Int("count", n), zap.String("prefix", prefix))
	return nil
}

// writeExportFile writes the export to f and closes it. A failed close means the
// file may be truncated, so it is reported like a failed write.
func writeExportFile(ctx context.Context, st store.Store, prefix, name string, f io.WriteCloser) (int, error) {
	n, err := writeExport(ctx, st, prefix, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close %s: %w", name, cerr)
	}
	return n, err
}

// writeExport writes the identities under prefix to w and returns how many there were.
func writeExport(ctx context.Context, st store.Store, prefix string, w io.Writer) (int, error) {
	records, err := st.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list identities: %w", err)
	}

	out := make(map[string]identity.State, len(records))
	for _, rec := range records {
		out[rec.Key] = rec.State
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 0, fmt.Errorf("failed to encode identities: %w", err)
	}
	return len(records), nil
}
