// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command probe is a live connector inspector: point it at a connector YAML
// file and it runs the engine against the connector's backend, showing
// every profiler event in a tree and diffing state snapshots between
// checkpoints. It re-runs automatically whenever the connector file changes
// on disk.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/relaycore/apisync"
)

var debounceTimer *time.Timer
var debounceMutex sync.Mutex

// tviewEscaper neutralizes tview's "[tag]" color-region syntax in text that
// is otherwise plain (JSON blobs, error strings) so a literal "[" in a
// record never gets interpreted as a markup directive.
var tviewEscaper = strings.NewReplacer("[", "[​", "]", "​]")

func escapeBrackets(input string) string {
	return tviewEscaper.Replace(input)
}

// diffLineColors maps a diffmatchpatch segment type to the tview color tag
// wrapping it in a rendered state-checkpoint diff.
var diffLineColors = map[diffmatchpatch.Operation]string{
	diffmatchpatch.DiffInsert: "black:green",
	diffmatchpatch.DiffDelete: "white:red",
}

func coloredDiff(before, after string) string {
	if before == "" {
		return escapeBrackets(after)
	}
	dmp := diffmatchpatch.New()

	var out strings.Builder
	for _, d := range dmp.DiffMain(before, after, false) {
		color, marked := diffLineColors[d.Type]
		if !marked {
			out.WriteString(escapeBrackets(d.Text))
			continue
		}
		out.WriteString("[" + color + "]" + escapeBrackets(d.Text) + "[-:-:-]")
	}
	return out.String()
}

// logLevelColors is the tview color tag used for each consoleLogger level.
var logLevelColors = map[string]string{
	"debug":   "#bdc9c4",
	"info":    "white",
	"warning": "orange",
	"error":   "red",
}

// consoleLogger renders Logger calls into the probe's scrolling execution
// log, one tview color tag per level.
type consoleLogger struct {
	logFunc func(msg string)
}

func (c consoleLogger) at(level, msg string, args ...any) {
	c.logFunc("[" + logLevelColors[level] + "]" + escapeBrackets(fmt.Sprintf(msg, args...)))
}

func (c consoleLogger) Debug(msg string, args ...any)   { c.at("debug", msg, args...) }
func (c consoleLogger) Info(msg string, args ...any)    { c.at("info", msg, args...) }
func (c consoleLogger) Warning(msg string, args ...any) { c.at("warning", msg, args...) }
func (c consoleLogger) Error(msg string, args ...any)   { c.at("error", msg, args...) }

type probeApp struct {
	app            *tview.Application
	watcher        *fsnotify.Watcher
	mutex          sync.Mutex
	execLog        *tview.TextView
	detail         *tview.TextView
	events         *tview.TreeView
	connectorPath  string
	stateDumpPath  string
	lastState      apisync.State
	stopFn         context.CancelFunc
}

func newProbeApp() *probeApp {
	return &probeApp{app: tview.NewApplication()}
}

func recoverAndLog(logger consoleLogger) {
	if r := recover(); r != nil {
		logger.Error("recovered from panic: %v\n%s", r, string(debug.Stack()))
	}
}

func (p *probeApp) run(connectorPath, stateDumpPath string) {
	p.connectorPath = connectorPath
	p.stateDumpPath = stateDumpPath

	var err error
	p.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		log.Fatal(err)
	}
	if err := p.watcher.Add(connectorPath); err != nil {
		log.Fatal(err)
	}

	rerunButton := tview.NewButton("Re-run").SetSelectedFunc(func() { p.onConnectorChanged() })
	rerunButton.SetBorder(true)
	stopButton := tview.NewButton("Stop").SetSelectedFunc(func() { p.stop() })
	stopButton.SetBorder(true)

	p.execLog = tview.NewTextView()
	p.execLog.SetDynamicColors(true)
	p.execLog.SetScrollable(true)
	p.execLog.SetBorder(true)
	p.execLog.SetTitle("Execution Log")

	p.detail = tview.NewTextView()
	p.detail.SetDynamicColors(true)
	p.detail.SetScrollable(true)
	p.detail.SetBorder(true)
	p.detail.SetTitle("Event Detail")

	root := tview.NewTreeNode("sync").SetSelectable(false)
	p.events = tview.NewTreeView().SetRoot(root)
	p.events.SetBorder(true)
	p.events.SetTitle("Profiler Events")
	p.events.SetChangedFunc(p.onNodeSelected)
	p.events.SetSelectedFunc(func(node *tview.TreeNode) {
		node.SetExpanded(!node.IsExpanded())
	})

	p.app.EnableMouse(true)
	focusOrder := []tview.Primitive{p.events, p.detail}
	current := 0
	p.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyTAB {
			current = (current + 1) % len(focusOrder)
			p.app.SetFocus(focusOrder[current])
			return nil
		}
		return event
	})

	mainFlex := tview.NewFlex().
		AddItem(p.events, 50, 1, true).
		AddItem(p.detail, 0, 2, false)

	execRow := tview.NewFlex().
		AddItem(p.execLog, 0, 1, false).
		AddItem(stopButton, 15, 0, false).
		AddItem(rerunButton, 15, 0, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(execRow, 7, 0, false).
		AddItem(mainFlex, 0, 1, true)

	p.app.SetRoot(layout, true).SetFocus(p.events)

	go func() {
		for {
			select {
			case event := <-p.watcher.Events:
				if event.Op&fsnotify.Write == fsnotify.Write {
					debounceMutex.Lock()
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(300*time.Millisecond, p.onConnectorChanged)
					debounceMutex.Unlock()
				}
			case err := <-p.watcher.Errors:
				p.appendLog(fmt.Sprintf("[red]watcher error: %v", err))
			}
		}
	}()

	go p.onConnectorChanged()

	if err := p.app.Run(); err != nil {
		log.Fatal(err)
	}
}

func (p *probeApp) appendLog(line string) {
	p.app.QueueUpdateDraw(func() {
		old := p.execLog.GetText(false)
		if old != "" {
			old += "\n"
		}
		p.execLog.SetText(old + line)
		p.execLog.ScrollToEnd()
	})
}

type eventDetail struct {
	event apisync.StepProfilerData
}

func (p *probeApp) onNodeSelected(node *tview.TreeNode) {
	ref := node.GetReference()
	if ref == nil {
		return
	}
	d, ok := ref.(eventDetail)
	if !ok {
		return
	}
	b, _ := json.MarshalIndent(d.event.Data, "", "  ")
	text := fmt.Sprintf("[green]type:[-] %s\n[green]name:[-] %s\n[green]duration_ms:[-] %d\n\n%s",
		d.event.Type, d.event.Name, d.event.Duration, escapeBrackets(string(b)))
	p.detail.SetText(text)
	p.detail.ScrollToBeginning()
}

func (p *probeApp) onConnectorChanged() {
	p.app.QueueUpdateDraw(func() {
		p.events.GetRoot().ClearChildren()
		p.detail.SetText("")
	})

	connector, errs, err := apisync.LoadConnector(p.connectorPath)
	if err != nil {
		text := "[red]" + escapeBrackets(err.Error())
		for _, e := range errs {
			text += "\n" + escapeBrackets(e.Error())
		}
		p.appendLog(text)
		return
	}
	p.appendLog("[green]connector validated successfully, starting sync")

	p.runSync(connector)
}

func (p *probeApp) runSync(connector *apisync.ConnectorDefinition) {
	p.mutex.Lock()
	if p.stopFn != nil {
		p.stopFn()
	}
	p.mutex.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p.stopFn = cancel

	logger := consoleLogger{logFunc: p.appendLog}
	defer recoverAndLog(logger)

	events := make(chan apisync.StepProfilerData, 256)
	sink := apisync.NewChannelSink(256)

	initial, err := loadState(p.stateDumpPath)
	if err != nil {
		p.appendLog(fmt.Sprintf("[orange]no prior state loaded: %v", err))
		initial = apisync.NewState()
	}
	checkpointCount := 0
	states := apisync.NewStateStore(initial, func(s apisync.State) {
		checkpointCount++
		p.onCheckpoint(s)
		_ = saveState(p.stateDumpPath, s)
	})

	engine := apisync.NewEngine(connector, apisync.RuntimeConfig{}, http.DefaultClient, sink)
	engine.Logger = logger
	engine.Profiler = events

	go p.drainEvents(events)
	go p.drainSink(sink.Ch)

	summary, err := engine.Run(ctx, states, nil)
	close(events)
	if err != nil {
		p.appendLog(fmt.Sprintf("[red]sync failed: %v", err))
		return
	}
	p.appendLog(fmt.Sprintf("[green]sync complete: %d records across %d/%d streams",
		summary.TotalRecords, summary.SuccessfulStreams, summary.SuccessfulStreams+summary.FailedStreams))
}

func (p *probeApp) drainEvents(events <-chan apisync.StepProfilerData) {
	nodesByID := map[string]*tview.TreeNode{"": p.events.GetRoot()}
	for d := range events {
		d := d
		node := tview.NewTreeNode(fmt.Sprintf("%s [%s]", d.Name, d.Type)).
			SetReference(eventDetail{event: d}).
			SetSelectable(true)

		p.app.QueueUpdateDraw(func() {
			parent, ok := nodesByID[d.ParentID]
			if !ok {
				parent = p.events.GetRoot()
			}
			parent.AddChild(node)
			nodesByID[d.ID] = node
		})
	}
}

func (p *probeApp) drainSink(messages <-chan apisync.Message) {
	for msg := range messages {
		switch msg.Type {
		case apisync.MessageLog:
			p.appendLog(escapeBrackets(msg.Log.Message))
		case apisync.MessageRecord:
			// Records themselves are not shown in the log; the profiler tree
			// already carries the request/response that produced them.
		}
	}
}

func (p *probeApp) onCheckpoint(s apisync.State) {
	before, _ := json.MarshalIndent(p.lastState, "", "  ")
	after, _ := json.MarshalIndent(s, "", "  ")
	diff := coloredDiff(string(before), string(after))
	p.lastState = s
	p.appendLog("[yellow]state checkpoint:[-]\n" + diff)
}

func (p *probeApp) stop() {
	if p.stopFn == nil {
		return
	}
	p.stopFn()
	p.appendLog("[orange]stopped")
}

func loadState(path string) (apisync.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return apisync.State{}, err
	}
	var s apisync.State
	if err := json.Unmarshal(data, &s); err != nil {
		return apisync.State{}, err
	}
	return s, nil
}

func saveState(path string, s apisync.State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: probe <connector.yaml> [state.json]")
		os.Exit(1)
	}
	statePath := "probe-state.json"
	if len(os.Args) > 2 {
		statePath = os.Args[2]
	}
	newProbeApp().run(os.Args[1], statePath)
}
