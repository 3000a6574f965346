package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Live terminal dashboard for a gateway node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://localhost:8080",
				Usage: "Base URL of the gateway HTTP listener",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: time.Second,
				Usage: "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runStats(c.String("addr"), c.Duration("interval"))
		},
	}
}

func fetchStats(client *http.Client, base string) (*model.HubStats, error) {
	resp, err := client.Get(base + "/debug/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats: unexpected status %s", resp.Status)
	}
	stats := new(model.HubStats)
	if err := json.NewDecoder(resp.Body).Decode(stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func runStats(base string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("stats: init terminal: %w", err)
	}
	defer ui.Close()

	client := &http.Client{Timeout: 5 * time.Second}

	summary := widgets.NewParagraph()
	summary.Title = " " + ServiceName + " "
	summary.SetRect(0, 0, 60, 8)

	sessions := widgets.NewSparkline()
	sessions.LineColor = ui.ColorGreen
	sessionsGroup := widgets.NewSparklineGroup(sessions)
	sessionsGroup.Title = " sessions "
	sessionsGroup.SetRect(0, 8, 60, 14)

	queued := widgets.NewSparkline()
	queued.LineColor = ui.ColorYellow
	queuedGroup := widgets.NewSparklineGroup(queued)
	queuedGroup.Title = " queued frames "
	queuedGroup.SetRect(0, 14, 60, 20)

	const historyLen = 58
	render := func(stats *model.HubStats, err error) {
		if err != nil {
			summary.Text = fmt.Sprintf("polling %s\n\n[%v](fg:red)", base, err)
		} else {
			summary.Text = fmt.Sprintf(
				"polling %s\n\nusers:    %d\nsessions: %d\nqueued:   %d\ndropped:  %d\nuptime:   %s",
				base, stats.TotalUsers, stats.TotalSessions, stats.QueuedFrames,
				stats.DroppedFrames, time.Duration(stats.UptimeSeconds)*time.Second,
			)
			sessions.Data = appendPoint(sessions.Data, float64(stats.TotalSessions), historyLen)
			queued.Data = appendPoint(queued.Data, float64(stats.QueuedFrames), historyLen)
		}
		ui.Render(summary, sessionsGroup, queuedGroup)
	}

	render(fetchStats(client, base))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	uiEvents := ui.PollEvents()

	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			render(fetchStats(client, base))
		}
	}
}

func appendPoint(data []float64, v float64, max int) []float64 {
	data = append(data, v)
	if len(data) > max {
		data = data[len(data)-max:]
	}
	return data
}
