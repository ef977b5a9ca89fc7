package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/capsync/internal/queue"
)

func lsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queued captures",
		Args:    cobra.NoArgs,
	}

	var (
		output  string
		journey string
		due     bool
	)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().StringVarP(&journey, "journey", "j", "", "only list captures for this journey")
	cmd.Flags().BoolVar(&due, "due", false, "only list captures the next sync will attempt")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := openQueue(cfg)

		var items []queue.PendingItem
		switch {
		case due:
			items, err = store.ListDue(cfg.Sync.MaxRetries)
		case journey != "":
			items, err = store.ListForJourney(journey)
		default:
			items, err = store.ListAll()
		}
		if err != nil {
			// Reads fall back to an empty queue; say why
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if due && journey != "" {
			filtered := items[:0]
			for _, item := range items {
				if item.JourneyID == journey {
					filtered = append(filtered, item)
				}
			}
			items = filtered
		}

		return writeItems(cmd.OutOrStdout(), output, items)
	}

	return cmd
}

func writeItems(w io.Writer, format string, items []queue.PendingItem) error {
	switch format {
	case "json":
		if items == nil {
			items = []queue.PendingItem{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(items); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "table":
		if len(items) == 0 {
			_, err := fmt.Fprintln(w, "No queued captures.")
			return err
		}
		_, err := fmt.Fprintln(w, itemTable(items))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func itemTable(items []queue.PendingItem) string {
	headers := []string{"ID", "KIND", "JOURNEY", "STATUS", "RETRIES", "CREATED", "MEDIA", "LAST ERROR"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			string(item.Kind),
			item.JourneyID,
			string(item.SyncStatus),
			strconv.Itoa(item.RetryCount),
			item.CreatedAt.Local().Format(time.DateTime),
			mediaLabel(item),
			item.LastError,
		})
	}
	return renderTable(headers, rows, aligns)
}

// mediaLabel shows where the upload will read from
func mediaLabel(item queue.PendingItem) string {
	switch {
	case !item.Kind.HasMedia():
		return "-"
	case item.PersistedURI != "" && item.PersistedURI != item.SourceURI:
		return filepath.Base(queue.LocalPath(item.PersistedURI))
	default:
		return filepath.Base(queue.LocalPath(item.MediaPath())) + " (original)"
	}
}
