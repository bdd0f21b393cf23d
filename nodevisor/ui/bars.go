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
	"sync"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"
)

var (
	barNormal = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	barAlternate = tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver)

	StatusBarStyleNormal = barNormal
	StatusBarStyleGood   = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorGreen).
				Bold(true)
	StatusBarStyleWarn = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorYellow)
	StatusBarStyleError = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorMaroon).
				Bold(true)
)

// TitleBar shows the server on the left and the program on the right.
type TitleBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func (tb *TitleBar) Init() {
	tb.once.Do(func() {
		tb.SimpleStyledTextBar.Init()
		tb.SimpleStyledTextBar.SetStyle(barNormal)
		tb.RegisterLeftStyle('N', barNormal)
		tb.RegisterLeftStyle('A', barAlternate)
		tb.RegisterCenterStyle('N', barNormal)
		tb.RegisterCenterStyle('A', barAlternate)
		tb.RegisterRightStyle('N', barNormal)
		tb.RegisterRightStyle('A', barAlternate)
	})
}

func NewTitleBar() *TitleBar {
	tb := &TitleBar{}
	tb.Init()
	return tb
}

// KeyBar lists the keys that do something.  Key names are written in
// brackets, such as "[Q] Quit", and are highlighted.
type KeyBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func (k *KeyBar) Init() {
	k.once.Do(func() {
		k.SimpleStyledTextBar.Init()
		k.SimpleStyledTextBar.SetStyle(barNormal)
		k.RegisterLeftStyle('N', barNormal)
		k.RegisterLeftStyle('A', barAlternate.Bold(true))
	})
}

func (k *KeyBar) SetKeys(words []string) {
	k.SetLeft(keyMarkup(words))
}

// keyMarkup converts the words to styled text bar markup.
func keyMarkup(words []string) string {
	b := make([]rune, 0, 80)
	for i, w := range words {
		esc := false
		if i != 0 && len(w) != 0 {
			b = append(b, ' ')
		}
		for _, r := range w {
			if r == '%' {
				b = append(b, '%')
			}
			switch {
			case !esc && r == '[':
				b = append(b, r, '%', 'A')
				esc = true
			case esc && r == ']':
				b = append(b, '%', 'N', r)
				esc = false
			default:
				b = append(b, r)
			}
		}
	}
	return string(b)
}

func NewKeyBar() *KeyBar {
	kb := &KeyBar{}
	kb.Init()
	return kb
}

// StatusBar shows a line of status, colored for how things are going.
type StatusBar struct {
	once   sync.Once
	status string
	views.SimpleStyledTextBar
}

func (sb *StatusBar) Init() {
	sb.once.Do(func() {
		sb.SimpleStyledTextBar.Init()
		sb.SetNormal()
	})
}

func (sb *StatusBar) SetStyle(style tcell.Style) {
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.SimpleStyledTextBar.RegisterLeftStyle('N', style)
	sb.SimpleStyledTextBar.SetLeft(sb.status)
}

func (sb *StatusBar) SetGood() {
	sb.SetStyle(StatusBarStyleGood)
}

func (sb *StatusBar) SetNormal() {
	sb.SetStyle(StatusBarStyleNormal)
}

func (sb *StatusBar) SetWarn() {
	sb.SetStyle(StatusBarStyleWarn)
}

func (sb *StatusBar) SetError() {
	sb.SetStyle(StatusBarStyleError)
}

func (sb *StatusBar) SetText(status string) {
	sb.status = status
	sb.SetLeft(status)
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.Init()
	return sb
}
