// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ui implements a terminal viewer for a nodevisord server.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/nodevisor/nodevisor/util"
	"github.com/gdamore/nodevisor/rest"
)

// pollInterval is how often the process list is refreshed.
const pollInterval = 2 * time.Second

type App struct {
	app     *views.Application
	view    views.View
	panel   views.Widget
	main    *MainPanel
	info    *InfoPanel
	help    *HelpPanel
	log     *LogPanel
	auth    *AuthPanel
	client  *rest.Client
	server  string
	logger  *log.Logger
	err     error
	items   []rest.ProcessInfo
	health  *rest.Health
	logInfo *rest.LogInfo
	logErr  error
	notice  string
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	views.WidgetWatchers
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowHelp() {
	a.show(a.help)
}

func (a *App) ShowInfo(id string) {
	a.info.SetId(id)
	a.show(a.info)
}

// ShowLog shows the log, limited to one process if id is not empty.
func (a *App) ShowLog(id string) {
	a.log.SetId(id)
	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

func (a *App) ShowAuth() {
	a.auth.ResetFields()
	a.show(a.auth)
}

func (a *App) SetUserPassword(user, pass string) {
	a.client.SetAuth(user, pass)
	a.poke()
}

// do runs a control operation in the background, and reports how it went
// in the status bar.
func (a *App) do(what string, fn func() error) {
	go func() {
		e := fn()
		a.app.PostFunc(func() {
			if e != nil {
				a.notice = fmt.Sprintf("%s failed: %v", what, e)
			} else {
				a.notice = what + " done"
			}
			a.app.Update()
		})
		a.poke()
	}()
}

func (a *App) StartDefault() {
	a.do("Start", func() error {
		_, e := a.client.StartDefault()
		return e
	})
}

func (a *App) StopDefault() {
	a.do("Stop", a.client.StopDefault)
}

func (a *App) RestartDefault() {
	a.do("Restart", func() error {
		_, e := a.client.RestartDefault()
		return e
	})
}

func (a *App) StopProcess(id string) {
	a.do("Stop "+id, func() error {
		return a.client.Stop(id)
	})
}

func (a *App) RestartProcess(id string) {
	a.do("Restart "+id, func() error {
		_, e := a.client.Restart(id)
		return e
	})
}

func (a *App) ClearLogs() {
	a.do("Clear", a.client.ClearLogs)
}

// Notice returns the outcome of the last control operation.
func (a *App) Notice() string {
	return a.notice
}

func (a *App) Quit() {
	a.once.Do(a.cancel)
	a.app.Quit()
}

func (a *App) SetLogger(logger *log.Logger) {
	a.logger = logger
}

func (a *App) Logf(fmt string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(fmt, v...)
	}
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}

	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *App) GetClient() *rest.Client {
	return a.client
}

func (a *App) GetAppName() string {
	return "Nodevisor v1.0"
}

func NewApp(client *rest.Client, url string) *App {
	app := &App{
		app:    &views.Application{},
		client: client,
		server: url,
		wake:   make(chan struct{}, 1),
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())
	app.info = NewInfoPanel(app)
	app.help = NewHelpPanel(app)
	app.log = NewLogPanel(app)
	app.auth = NewAuthPanel(app, url)
	app.main = NewMainPanel(app, url)
	app.panel = app.main
	return app
}

// poke asks for the process list to be refreshed now.
func (a *App) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *App) getItems() ([]rest.ProcessInfo, *rest.Health, error) {
	items, e := a.client.Processes()
	if e != nil {
		return nil, nil, e
	}
	health, e := a.client.Health()
	if e != nil {
		return nil, nil, e
	}
	util.SortProcesses(items)
	return items, health, nil
}

// refresh keeps the process list current.
func (a *App) refresh() {
	for {
		items, health, e := a.getItems()

		a.app.PostFunc(func() {
			a.items = items
			a.health = health
			a.err = e
			a.app.Update()
		})
		select {
		case <-a.ctx.Done():
			return
		case <-a.wake:
		case <-time.After(pollInterval):
		}
	}
}

// refreshLog keeps the log current, using long polls.
func (a *App) refreshLog() {
	info, e := a.client.GetLog()

	for {
		a.app.PostFunc(func() {
			a.logInfo = info
			a.logErr = e
			a.app.Update()
		})
		if a.ctx.Err() != nil {
			return
		}
		if e != nil || info == nil {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			info, e = a.client.GetLog()
			continue
		}
		info, e = a.client.WatchLog(a.ctx, info)
	}
}

func (a *App) GetItems() ([]rest.ProcessInfo, error) {
	return a.items, a.err
}

func (a *App) GetItem(id string) (*rest.ProcessInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	for i := range a.items {
		if a.items[i].Id == id {
			return &a.items[i], nil
		}
	}
	return nil, errors.New("Process not found")
}

// DefaultStatus is the status of the default process, if known.
func (a *App) DefaultStatus() string {
	if a.health == nil {
		return ""
	}
	return a.health.Default
}

func (a *App) GetLog() (*rest.LogInfo, error) {
	return a.logInfo, a.logErr
}

// unauthorized reports whether e is the server refusing our credentials.
func unauthorized(e error) bool {
	var err *rest.Error
	return errors.As(e, &err) && err.Code == http.StatusUnauthorized
}

func (a *App) Run() {
	a.Logf("Starting up user interface")
	a.app.SetRootWidget(a)
	a.ShowMain()
	go a.refresh()
	go a.refreshLog()
	go func() {
		// Give us periodic updates, so uptimes keep moving.
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(time.Second):
				a.app.Update()
			}
		}
	}()
	a.Logf("Starting app loop")
	a.app.Run()
	a.once.Do(a.cancel)
}
