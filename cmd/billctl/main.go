package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type app struct {
	broker    string
	topicBase string
	node      string
	timeout   time.Duration
	jsonOut   bool
	user      string
	pass      string
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:   "billctl",
		Short: "Billboard device CLI",
		Long:  "Inspect a billboard playback device: now-playing status, on-disk playlists, and the asset cache.",
	}

	defaultNode, _ := os.Hostname()

	root.PersistentFlags().StringVarP(&a.broker, "broker", "b", "mqtt://127.0.0.1:1883", "MQTT broker URL")
	root.PersistentFlags().StringVar(&a.topicBase, "topic-base", "bb/v1", "MQTT topic base")
	root.PersistentFlags().StringVarP(&a.node, "node", "n", defaultNode, "device identity")
	root.PersistentFlags().DurationVarP(&a.timeout, "timeout", "t", 3*time.Second, "command timeout")
	root.PersistentFlags().BoolVarP(&a.jsonOut, "json", "j", false, "output json")
	root.PersistentFlags().StringVar(&a.user, "user", "", "MQTT username")
	root.PersistentFlags().StringVar(&a.pass, "pass", "", "MQTT password")

	root.AddCommand(statusCommand(a))
	root.AddCommand(playlistCommand(a))
	root.AddCommand(cacheCommand(a))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
