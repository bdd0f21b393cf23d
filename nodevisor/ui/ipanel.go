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

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/nodevisor/nodevisor/util"
	"github.com/gdamore/nodevisor/rest"
)

// InfoPanel shows the details of one process.
type InfoPanel struct {
	text *views.TextArea
	info *rest.ProcessInfo
	id   string

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	i := &InfoPanel{}
	i.Panel.Init(app)

	i.text = views.NewTextArea()
	i.text.EnableCursor(false)
	i.text.SetStyle(textStyle)
	i.SetContent(i.text)
	i.SetKeys([]string{"[ESC] Main", "[H] Help"})

	return i
}

func (i *InfoPanel) Draw() {
	i.update()
	i.Panel.Draw()
}

func (i *InfoPanel) HandleEvent(ev tcell.Event) bool {
	app := i.App()
	info := i.info
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
			case 'L', 'l':
				app.ShowLog(i.id)
				return true
			case 'S', 's':
				if info != nil {
					app.StopProcess(info.Id)
					return true
				}
			case 'R', 'r':
				if info != nil {
					app.RestartProcess(info.Id)
					return true
				}
			}
		}
	}
	return i.Panel.HandleEvent(ev)
}

func (i *InfoPanel) SetId(id string) {
	i.id = id
}

// update must be called with AppLock held.
func (i *InfoPanel) update() {
	p, e := i.App().GetItem(i.id)
	i.info = p
	words := []string{"[ESC] Main", "[H] Help", "[L] Log"}

	i.SetTitle("Details for process " + i.id)

	if p == nil {
		// A process that exited is gone from the list.
		i.SetStatus(fmt.Sprintf("No data: %v", e))
		i.SetWarn()
		i.text.SetLines(nil)
		i.SetKeys(words)
		return
	}

	i.SetStatus(util.Status(p))
	if p.State == "stopping" {
		i.SetWarn()
	} else {
		i.SetGood()
	}

	lines := []string{
		fmt.Sprintf("%13s %s", "Id:", p.Id),
		fmt.Sprintf("%13s %s", "Project:", p.ProjectPath),
		fmt.Sprintf("%13s %s", "Main file:", p.MainFile),
		fmt.Sprintf("%13s %s", "State:", p.State),
		fmt.Sprintf("%13s %d", "Pid:", p.Pid),
		fmt.Sprintf("%13s %v", "Started:", p.StartTime),
		fmt.Sprintf("%13s %s", "Uptime:", util.FormatDuration(util.Uptime(p))),
		fmt.Sprintf("%13s %v", "Default:", p.Default),
	}
	i.text.SetLines(lines)

	words = append(words, "[S] Stop", "[R] Restart")
	i.SetKeys(words)
}
