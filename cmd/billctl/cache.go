package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func cacheCommand(a *app) *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Show the asset cache contents and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(cacheDir)
			if err != nil {
				return err
			}

			type cachedFile struct {
				Name    string    `json:"name"`
				SizeMB  float64   `json:"sizeMb"`
				ModTime time.Time `json:"modTime"`
				Partial bool      `json:"partial"`
			}
			var files []cachedFile
			var totalBytes int64
			for _, entry := range entries {
				if !entry.Type().IsRegular() {
					continue
				}
				info, err := entry.Info()
				if err != nil {
					continue
				}
				totalBytes += info.Size()
				files = append(files, cachedFile{
					Name:    entry.Name(),
					SizeMB:  float64(info.Size()) / (1024 * 1024),
					ModTime: info.ModTime(),
					Partial: strings.HasSuffix(entry.Name(), ".tmp"),
				})
			}
			sort.Slice(files, func(i, j int) bool {
				return files[i].ModTime.Before(files[j].ModTime)
			})
			totalMB := float64(totalBytes) / (1024 * 1024)

			if a.jsonOut {
				payload, err := json.MarshalIndent(map[string]any{
					"totalMb": totalMB,
					"files":   files,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				return nil
			}

			pterm.Info.Printfln("%d files, %.1f MB", len(files), totalMB)
			rows := pterm.TableData{{"FILE", "SIZE_MB", "MODIFIED", "STATE"}}
			for _, f := range files {
				state := "complete"
				if f.Partial {
					state = "partial"
				}
				rows = append(rows, []string{
					f.Name,
					fmt.Sprintf("%.1f", f.SizeMB),
					f.ModTime.Format(time.RFC3339),
					state,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "/data/assets", "asset cache directory")
	return cmd
}
