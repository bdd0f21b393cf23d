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

package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"
)

// LogPanel shows the consolidated log, or the part of it that one process
// wrote.
type LogPanel struct {
	text *views.TextArea
	id   string // process id, or "" for everything

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}

	p.Panel.Init(app)
	p.SetKeys([]string{"[ESC] Main", "[H] Help"})

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(textStyle)
	p.SetContent(p.text)

	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
	app := p.App()
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'C', 'c':
				app.ClearLogs()
				return true
			case 'I', 'i':
				if p.id != "" {
					app.ShowInfo(p.id)
					return true
				}
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

func (p *LogPanel) SetId(id string) {
	p.text.SetLines(nil)
	p.id = id
}

// update must be called with AppLock held.
func (p *LogPanel) update() {
	loginfo, e := p.App().GetLog()

	words := []string{"[ESC] Main", "[H] Help", "[C] Clear"}
	if p.id == "" {
		p.SetTitle("Consolidated Log")
	} else {
		p.SetTitle("Log for process " + p.id)
		words = append(words, "[I] Info")
	}
	p.SetKeys(words)

	if loginfo == nil {
		if e != nil {
			p.SetStatus(fmt.Sprintf("No data: %v", e))
			p.SetError()
		} else {
			p.SetStatus("Loading ...")
			p.SetNormal()
		}
		p.text.SetLines([]string{""})
		return
	}

	lines := make([]string, 0, len(loginfo.Records))
	for _, r := range loginfo.Records {
		if p.id != "" && r.Source != p.id {
			continue
		}
		text := strings.TrimSuffix(r.Line(), "\n")
		for _, l := range strings.Split(text, "\n") {
			lines = append(lines, fmt.Sprintf("%s %s",
				r.Time.Format(time.StampMilli), l))
		}
	}
	p.text.SetLines(lines)
	p.SetStatus(fmt.Sprintf("%d lines", len(lines)))
	if e != nil {
		p.SetWarn()
	} else {
		p.SetNormal()
	}
}
