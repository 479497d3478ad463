package tui

import (
	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/model"
)

// Async message types for Bubble Tea commands.

type engineReadyMsg struct {
	engine Engine
	err    error
}

type analyzedMsg struct {
	report *analysis.Report
	err    error
}

type trashResultMsg struct {
	sender  string
	outcome gmail.TrashOutcome
	err     error
}

type actionResultMsg struct {
	action string // "exclude", "move", "open"
	err    error
}

type historyLoadedMsg struct {
	history declutter.History
	err     error
}

type moveDoneMsg struct {
	record model.MoveRecord
	err    error
}

type statusMsg string
