package main

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/venditt/billboardd/internal/modules/billboard"
)

func playlistCommand(a *app) *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "playlist",
		Short: "Show the on-disk main and pending playlists",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := billboard.NewStore(stateDir)
			if err != nil {
				return err
			}
			mainList, err := store.ReadMain()
			if err != nil {
				return err
			}
			pending, err := store.ReadPending()
			if err != nil {
				return err
			}
			cursor := store.ReadCursor()

			if a.jsonOut {
				payload, err := json.MarshalIndent(map[string]any{
					"cursor":  cursor,
					"main":    mainList,
					"pending": pending,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(payload))
				return nil
			}

			pterm.Info.Printfln("cursor: %d", cursor)
			rows := pterm.TableData{{"ROLE", "#", "URL"}}
			for i, url := range mainList {
				rows = append(rows, []string{"main", fmt.Sprintf("%d", i+1), url})
			}
			for i, url := range pending {
				rows = append(rows, []string{"pending", fmt.Sprintf("%d", i+1), url})
			}
			if len(rows) == 1 {
				pterm.Warning.Println("both playlists are empty")
				return nil
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "/data/player/state", "playlist state directory")
	return cmd
}
