package main

import (
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// syncWriter serializes REPL output with the incoming message printer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
