package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/example/devstack/internal/runtime"
)

const watchInterval = 2 * time.Second

// watchServices renders a continuously refreshing service table. Without a
// terminal it degrades to printing a fresh table once per interval.
func watchServices(cmd *cobra.Command, ctx *context, stackName string, declared []string) error {
	manager := ctx.getManager()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			statuses, err := manager.Status(cmd.Context(), stackName)
			if err != nil {
				return err
			}
			renderServiceTable(cmd.OutOrStdout(), declared, statuses)
			select {
			case <-ticker.C:
			case <-cmd.Context().Done():
				return nil
			}
		}
	}

	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 0)
	table.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", stackName))

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || (event.Key() == tcell.KeyRune && event.Rune() == 'q') {
			app.Stop()
			return nil
		}
		return event
	})

	refresh := func() {
		queryCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), watchInterval)
		statuses, err := manager.Status(queryCtx, stackName)
		cancel()
		app.QueueUpdateDraw(func() {
			renderWatchTable(table, declared, statuses, err)
		})
	}

	watchCtx, cancelWatch := stdcontext.WithCancel(cmd.Context())
	defer cancelWatch()
	go func() {
		refresh()
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-watchCtx.Done():
				app.QueueUpdate(func() { app.Stop() })
				return
			}
		}
	}()

	return app.SetRoot(table, true).Run()
}

func renderWatchTable(table *tview.Table, declared []string, statuses []runtime.ServiceStatus, err error) {
	table.Clear()
	headers := []string{"SERVICE", "STATE", "STATUS", "PORTS", "AGE"}
	for col, header := range headers {
		table.SetCell(0, col, tview.NewTableCell(header).
			SetTextColor(tcell.ColorYellow).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false))
	}
	if err != nil {
		table.SetCell(1, 0, tview.NewTableCell(fmt.Sprintf("error: %v", err)).
			SetTextColor(tcell.ColorRed))
		return
	}

	byService := make(map[string][]runtime.ServiceStatus, len(statuses))
	for _, status := range statuses {
		byService[status.Service] = append(byService[status.Service], status)
	}

	row := 1
	for _, service := range declared {
		instances, ok := byService[service]
		if !ok {
			setWatchRow(table, row, []string{service, "-", "-", "-", "-"}, tcell.ColorGray)
			row++
			continue
		}
		for _, status := range instances {
			color := tcell.ColorWhite
			switch status.State {
			case "running":
				color = tcell.ColorGreen
			case "exited", "dead":
				color = tcell.ColorRed
			}
			cells := []string{service, status.State, status.Status,
				formatPorts(status.Ports), formatAge(status.CreatedAt)}
			setWatchRow(table, row, cells, color)
			row++
		}
	}
}

func setWatchRow(table *tview.Table, row int, cells []string, color tcell.Color) {
	for col, cell := range cells {
		table.SetCell(row, col, tview.NewTableCell(cell).SetTextColor(color))
	}
}
