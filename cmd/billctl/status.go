package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/mqttserver"
	"github.com/venditt/billboardd/pkg/bb"
)

func statusCommand(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the device's now-playing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mqttserver.NewClient(mqttserver.Options{
				BrokerURL: a.broker,
				ClientID:  fmt.Sprintf("billctl-%d", os.Getpid()),
				Username:  a.user,
				Password:  a.pass,
				Timeout:   a.timeout,
				Logger:    zap.NewNop(),
			})
			if err != nil {
				return err
			}
			defer client.Disconnect()

			topic := bb.TopicState(a.topicBase, a.node)

			// The daemon publishes its state retained, so one read
			// answers immediately when it is up.
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			payload, err := client.ReadRetained(ctx, topic)
			cancel()
			if err != nil {
				return fmt.Errorf("no state for %s on %s (daemon down or wrong --node?)", a.node, topic)
			}
			if err := printStatePayload(a, payload); err != nil {
				return err
			}

			if !watch {
				return nil
			}
			updates, stop, err := client.Watch(topic)
			if err != nil {
				return err
			}
			defer stop()
			for payload := range updates {
				if err := printStatePayload(a, payload); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep printing state updates")
	return cmd
}

func printStatePayload(a *app, payload []byte) error {
	var state bb.PlayerState
	if err := json.Unmarshal(payload, &state); err != nil {
		return fmt.Errorf("unreadable state document: %w", err)
	}

	if a.jsonOut {
		out, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	rows := pterm.TableData{
		{"STATUS", state.Status},
		{"URL", state.URL},
		{"KIND", state.Kind},
		{"POSITION", fmt.Sprintf("%d/%d", state.Index+1, state.Length)},
		{"CURSOR", fmt.Sprintf("%d", state.Cursor)},
		{"UPDATED", time.Unix(state.TS, 0).Format(time.RFC3339)},
	}
	return pterm.DefaultTable.WithData(rows).Render()
}
