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
	"path/filepath"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/nodevisor/nodevisor/util"
	"github.com/gdamore/nodevisor/rest"
)

var (
	StyleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorSilver).
			Background(tcell.ColorBlack)
	StyleGood = tcell.StyleDefault.
			Foreground(tcell.ColorGreen).
			Background(tcell.ColorBlack)
	StyleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorYellow).
			Background(tcell.ColorBlack)
	StyleError = tcell.StyleDefault.
			Foreground(tcell.ColorMaroon).
			Background(tcell.ColorBlack)
)

// MainPanel lists the supervised processes, one per line.
type MainPanel struct {
	content  *views.CellView
	selected *rest.ProcessInfo
	nrunning int
	nstopped int
	width    int
	height   int
	curx     int
	cury     int
	lines    []string
	styles   []tcell.Style
	items    []rest.ProcessInfo

	Panel
}

// mainModel provides the model for a CellView.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App, server string) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(StyleNormal)

	m.SetServer(server)
	m.SetTitle("Processes")
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	app := m.App()
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyEnter:
			if m.selected != nil {
				app.ShowInfo(m.selected.Id)
				return true
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.Quit()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'I', 'i':
				if m.selected != nil {
					app.ShowInfo(m.selected.Id)
					return true
				}
			case 'L', 'l':
				if m.selected != nil {
					app.ShowLog(m.selected.Id)
				} else {
					app.ShowLog("")
				}
				return true
			case 'S', 's':
				if m.selected != nil {
					app.StopProcess(m.selected.Id)
				} else {
					app.StopDefault()
				}
				return true
			case 'R', 'r':
				if m.selected != nil {
					app.RestartProcess(m.selected.Id)
				} else {
					app.RestartDefault()
				}
				return true
			case 'G', 'g':
				app.StartDefault()
				return true
			case 'C', 'c':
				app.ClearLogs()
				return true
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	var ch rune
	var style tcell.Style

	m := model.m

	if y < 0 || y >= len(m.lines) {
		return ch, StyleNormal, nil, 1
	}

	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	} else {
		ch = ' '
	}
	style = m.styles[y]
	if m.selected != nil && m.items[y].Id == m.selected.Id {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	m := model.m
	y := len(m.lines)
	x := 0
	for _, l := range m.lines {
		if x < len(l) {
			x = len(l)
		}
	}
	return x, y
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	if m.curx > m.width-1 {
		m.curx = m.width - 1
	}
	if m.cury > m.height-1 {
		m.cury = m.height - 1
	}
	if m.curx < 0 {
		m.curx = 0
	}
	if m.cury < 0 {
		m.cury = 0
	}
	if selected && m.height > 0 {
		if m.selected == nil {
			m.curx = 0
			m.cury = 0
		}
		m.selected = &m.items[m.cury]
	} else {
		m.selected = nil
	}
}

// line formats one process for the list.
func line(p *rest.ProcessInfo) string {
	project := filepath.Base(p.ProjectPath)
	return fmt.Sprintf("%-16s %-20s %-16s %-9s %7d %10s",
		p.Id, project, p.MainFile, util.Status(p), p.Pid,
		util.FormatDuration(util.Uptime(p)))
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.  It is called with the AppLock held.
func (m *MainPanel) update() {
	app := m.App()
	items, err := app.GetItems()
	m.items = items

	// preserve selected item
	if sel := m.selected; sel != nil {
		m.selected = nil
		for i := range m.items {
			if m.items[i].Id == sel.Id {
				m.selected = &m.items[i]
				m.cury = i
			}
		}
	}
	if err != nil {
		if unauthorized(err) {
			app.ShowAuth()
			return
		}
		m.SetError()
		m.SetStatus(fmt.Sprintf("Cannot load processes: %v", err))
		m.lines = []string{}
		m.styles = []tcell.Style{}
		m.height = 0
		m.width = 0
		return
	}

	lines := make([]string, 0, len(m.items))
	styles := make([]tcell.Style, 0, len(m.items))

	m.nstopped = 0
	m.nrunning = 0
	m.height = 0
	m.width = 0

	for i := range m.items {
		info := &m.items[i]
		l := line(info)
		if len(l) > m.width {
			m.width = len(l)
		}
		m.height++
		lines = append(lines, l)

		var style tcell.Style
		switch {
		case info.State == "stopping":
			style = StyleWarn
			m.nstopped++
		case info.Default:
			style = StyleGood
			m.nrunning++
		default:
			style = StyleNormal
			m.nrunning++
		}
		styles = append(styles, style)
	}

	m.lines = lines
	m.styles = styles

	status := fmt.Sprintf("%6d Running %6d Stopping   Default: %s",
		m.nrunning, m.nstopped, app.DefaultStatus())
	if n := app.Notice(); n != "" {
		status += "   " + n
	}
	m.SetStatus(status)

	if m.nstopped > 0 {
		m.SetWarn()
	} else if m.nrunning > 0 {
		m.SetGood()
	} else {
		m.SetNormal()
	}

	words := []string{"[Q] Quit", "[H] Help", "[L] Log", "[C] Clear"}
	if m.selected != nil {
		words = append(words, "[I] Info", "[S] Stop", "[R] Restart")
	} else {
		words = append(words, "[G] Start", "[S] Stop", "[R] Restart")
	}
	m.SetKeys(words)
}
