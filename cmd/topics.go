package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rgov/foxglove-studio/config"
	"github.com/rgov/foxglove-studio/internal/timeutil"
	"github.com/rgov/foxglove-studio/server"
)

type topicReport struct {
	Name        string        `json:"name"`
	Datatype    string        `json:"datatype"`
	NumMessages int64         `json:"numMessages"`
	FirstTime   timeutil.Time `json:"firstMessageTime"`
	LastTime    timeutil.Time `json:"lastMessageTime"`
}

type recordingReport struct {
	Start  timeutil.Time `json:"start"`
	End    timeutil.Time `json:"end"`
	Topics []topicReport `json:"topics"`
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Print the topics and per-topic statistics of a recording (JSON).",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		src, err := server.OpenSource()
		if err != nil {
			return err
		}
		defer func() {
			if closer, ok := src.(io.Closer); ok {
				_ = closer.Close()
			}
		}()

		init, err := src.Initialize(cmd.Context())
		if err != nil {
			return fmt.Errorf("could not read recording: %w", err)
		}

		report := recordingReport{Start: init.Start, End: init.End}
		for _, tp := range init.Topics {
			stats := init.TopicStats[tp.Name]
			report.Topics = append(report.Topics, topicReport{
				Name:        tp.Name,
				Datatype:    tp.Datatype,
				NumMessages: stats.NumMessages,
				FirstTime:   stats.FirstMessageTime,
				LastTime:    stats.LastMessageTime,
			})
		}
		b, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}
