package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const (
	tableTitle      = "Units"
	eventsTitle     = "Events"
	filterPageName  = "filter"
	defaultInterval = time.Second
	actionTimeout   = 2 * time.Minute
)

// Client is the slice of the supervisor API the UI needs.
type Client interface {
	Status(ctx context.Context) (*api.StatusReport, error)
	Start(ctx context.Context, name string) (*supervisor.UnitStatus, error)
	Stop(ctx context.Context, name string, grace time.Duration) (*supervisor.UnitStatus, error)
}

// Option configures UI behaviour.
type Option func(*UI)

// WithInterval sets how often the status is polled.
func WithInterval(d time.Duration) Option {
	return func(u *UI) {
		if d > 0 {
			u.interval = d
		}
	}
}

// UI renders the unit table of one supervisor and lets the operator start
// and stop units.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	events *tview.TextView
	client Client

	units    map[string]supervisor.UnitStatus
	instance string
	lastErr  string

	visible       []string
	selected      string
	eventsJSON    bool
	filter        string
	filterExpr    *regexp.Regexp
	eventsFocused bool
	interval      time.Duration

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a UI polling client.
func New(client Client, opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	events := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	events.SetBorder(true).SetTitle(eventsTitle)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(events, 0, 2, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:      app,
		pages:    pages,
		table:    table,
		events:   events,
		client:   client,
		units:    make(map[string]supervisor.UnitStatus),
		interval: defaultInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderEventsLocked()
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the application and polls the supervisor until Stop is called
// or ctx ends.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.poll(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()
	cancel()
	u.wg.Wait()
	u.Stop()
	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) poll(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		u.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (u *UI) refresh(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, u.interval*5)
	report, err := u.client.Status(reqCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	u.applyReport(report, err)
	u.queueRefresh()
}

// applyReport replaces the known units with report.
func (u *UI) applyReport(report *api.StatusReport, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		u.lastErr = err.Error()
		return
	}
	u.lastErr = ""
	u.instance = report.Instance
	units := make(map[string]supervisor.UnitStatus, len(report.Units))
	for _, st := range report.Units {
		units[st.Name] = st
	}
	u.units = units
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayFocused() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 's':
			u.act("start", func(ctx context.Context, name string) error {
				_, err := u.client.Start(ctx, name)
				return err
			})
			return nil
		case 'x':
			u.act("stop", func(ctx context.Context, name string) error {
				_, err := u.client.Stop(ctx, name, 0)
				return err
			})
			return nil
		}
	}
	return event
}

func (u *UI) overlayFocused() bool {
	name, _ := u.pages.GetFrontPage()
	return name == filterPageName
}

// act runs fn against the selected unit in the background.
func (u *UI) act(verb string, fn func(ctx context.Context, name string) error) {
	u.mu.RLock()
	name := u.selected
	u.mu.RUnlock()
	if name == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := fn(ctx, name)
		u.mu.Lock()
		if err != nil {
			u.lastErr = fmt.Sprintf("%s %s: %v", verb, name, err)
		}
		u.mu.Unlock()
		u.queueRefresh()
	}()
}

func (u *UI) toggleFocus() {
	if u.eventsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.events)
	}
	u.eventsFocused = !u.eventsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.eventsJSON = !u.eventsJSON
	u.renderEventsLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Units")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
	}
	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh()
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) queueRefresh() {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		u.renderEventsLocked()
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"UNIT", "STATE", "HEALTH", "PID", "FAILURES", "AGE", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.units))
	for name := range u.units {
		if u.filterExpr != nil && !u.filterExpr.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	u.visible = names

	title := tableTitle
	if u.instance != "" {
		title = fmt.Sprintf("%s [%s]", tableTitle, shortInstance(u.instance))
	}
	if u.filter != "" {
		title = fmt.Sprintf("%s /%s/", title, u.filter)
	}
	if u.lastErr != "" {
		title = fmt.Sprintf("%s - %s", title, u.lastErr)
	}
	u.table.SetTitle(title)

	now := time.Now()
	for row, name := range names {
		st := u.units[name]
		pid := "-"
		if st.Pid > 0 {
			pid = fmt.Sprintf("%d", st.Pid)
		}
		age := "-"
		if !st.Since.IsZero() {
			age = now.Sub(st.Since).Truncate(time.Second).String()
		}
		message := unitMessage(st, now)
		if len(message) > 80 {
			message = message[:77] + "..."
		}
		values := []string{
			name,
			formatState(st),
			string(st.Health),
			pid,
			fmt.Sprintf("%d", st.Failures),
			age,
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 1 {
				cell = cell.SetTextColor(stateColor(st))
			}
			if col == 0 {
				cell = cell.SetReference(name)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderEventsLocked() {
	u.events.Clear()
	st, ok := u.units[u.selected]
	if !ok {
		u.events.SetTitle(eventsTitle)
		return
	}
	u.events.SetTitle(fmt.Sprintf("%s (%s)", eventsTitle, st.Name))
	for _, evt := range st.Events {
		if u.eventsJSON {
			data, err := json.Marshal(evt)
			if err != nil {
				fmt.Fprintf(u.events, "{\"error\":%q}\n", err.Error())
				continue
			}
			fmt.Fprintf(u.events, "%s\n", tview.Escape(string(data)))
			continue
		}
		fmt.Fprintf(u.events, "%s  %-18s %s\n",
			evt.Timestamp.Format(time.TimeOnly), evt.Type, tview.Escape(formatEventMessage(evt)))
	}
	u.events.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	if len(u.visible) == 0 {
		u.selected = ""
		u.table.Select(0, 0)
		return
	}
	idx := -1
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatState(st supervisor.UnitStatus) string {
	if st.State == supervisor.StateFailed && st.RestartPending {
		return "Backoff"
	}
	s := string(st.State)
	if s == "" {
		return "-"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func stateColor(st supervisor.UnitStatus) tcell.Color {
	switch st.State {
	case supervisor.StateRunning:
		if st.Health == supervisor.HealthWarning || st.Health == supervisor.HealthCritical {
			return tcell.ColorYellow
		}
		return tcell.ColorGreen
	case supervisor.StateFailed:
		if st.RestartPending {
			return tcell.ColorYellow
		}
		return tcell.ColorRed
	case supervisor.StateStarting, supervisor.StateStopping:
		return tcell.ColorAqua
	default:
		return tcell.ColorWhite
	}
}

func unitMessage(st supervisor.UnitStatus, now time.Time) string {
	if st.RestartPending && !st.NextRestart.IsZero() {
		wait := st.NextRestart.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return fmt.Sprintf("restart %d in %s", st.Failures+1, wait.Truncate(100*time.Millisecond))
	}
	return st.LastError
}

// formatEventMessage joins an event's message, error and reason.
func formatEventMessage(evt supervisor.Event) string {
	msg := evt.Message
	switch {
	case msg != "" && evt.Error != "":
		msg = msg + ": " + evt.Error
	case evt.Error != "":
		msg = evt.Error
	}
	if evt.Reason != "" {
		if msg == "" {
			return evt.Reason
		}
		msg = fmt.Sprintf("%s (%s)", msg, evt.Reason)
	}
	if evt.Delay > 0 {
		msg = fmt.Sprintf("%s after %s", msg, evt.Delay)
	}
	return msg
}

func shortInstance(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
