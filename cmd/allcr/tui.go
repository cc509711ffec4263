package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/allcr/allcr/internal/retrieval"
)

// searchModel is the Bubble Tea model for the interactive search screen.
// Enter runs the query, tab toggles keyword/vector mode, up/down walk
// through results.
type searchModel struct {
	client   *apiClient
	input    textinput.Model
	viewport viewport.Model
	results  []searchHit
	mode     string
	status   string
	cursor   int
	ready    bool
}

func newSearchModel(client *apiClient) searchModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter (tab toggles mode)"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return searchModel{
		client:   client,
		input:    ti,
		viewport: vp,
		mode:     retrieval.ModeKeyword,
		status:   "Ready.",
	}
}

func (m searchModel) Init() tea.Cmd { return textinput.Blink }

func (m searchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + qh + 1 // header + status + query box + spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = maxInt(20, msg.Width)
		m.viewport.Height = maxInt(3, vh-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "tab":
			if m.mode == retrieval.ModeKeyword {
				m.mode = retrieval.ModeVector
			} else {
				m.mode = retrieval.ModeKeyword
			}
			m.status = fmt.Sprintf("Mode: %s", m.mode)
			return m, nil
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" {
				results, err := m.runQuery(q)
				if err != nil {
					m.status = "Error: " + err.Error()
					m.results = nil
				} else {
					m.status = fmt.Sprintf("%d results for %q (%s)", len(results), q, m.mode)
					m.results = results
					m.cursor = 0
				}
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m searchModel) runQuery(query string) ([]searchHit, error) {
	path := fmt.Sprintf("/search?q=%s&mode=%s&limit=10", url.QueryEscape(query), m.mode)
	resp, err := m.client.get(context.Background(), path)
	if err != nil {
		return nil, err
	}
	var results []searchHit
	if err := decodeJSON(resp, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (m searchModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("allcr search") +
		lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("  ["+m.mode+"]")
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + results + "\n" + input + "\n" + status
}

func (m searchModel) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d", m.cursor+1, len(m.results))
	if r.Score > 0 {
		title += fmt.Sprintf("  score=%.3f", r.Score)
	}
	meta := fmt.Sprintf("%s  %s  %s", shortID(r.ID), r.MediaType, r.Extraction.Type.AIClassified)
	name := nameStyle.Render(r.Extraction.Name)
	return title + "\n" + meta + "\n\n" + name + "\n" + r.Extraction.Summary
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	nameStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

func runSearchTUI(client *apiClient) error {
	p := tea.NewProgram(newSearchModel(client), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
