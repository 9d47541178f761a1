// Command sl3-monitor is a terminal dashboard for a probed SL3 device:
// current rate and routing, per-channel overload and phono status, and
// streaming counters, refreshed on a tick alongside host CPU/memory
// load.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/ehrlich-b/sl3"
	"github.com/ehrlich-b/sl3/internal/logging"
	"github.com/ehrlich-b/sl3/internal/usbdev"
)

const tickInterval = 500 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func main() {
	busPath := flag.String("bus-path", "/dev/bus/usb/001/002", "usbfs device node for the SL3")
	rate := flag.Int("rate", sl3.DefaultSampleRate, "default sample rate (44100 or 48000)")
	flag.Parse()

	logging.SetDefault(logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: os.Stderr}))

	transport, err := usbdev.NewUSBFSTransport(*busPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sl3-monitor: open transport: %v\n", err)
		os.Exit(1)
	}
	device, err := sl3.Probe(transport, sl3.Config{DefaultSampleRate: *rate})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sl3-monitor: probe: %v\n", err)
		os.Exit(1)
	}
	defer device.Disconnect()

	p := tea.NewProgram(newModel(device))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sl3-monitor: %v\n", err)
		os.Exit(1)
	}
}

type tickMsg time.Time

type hostStats struct {
	cpuPercent float64
	memPercent float64
}

type model struct {
	ctrl     sl3.Controller
	host     hostStats
	width    int
	counters table.Model
}

func newModel(ctrl sl3.Controller) model {
	cols := []table.Column{
		{Title: "Counter", Width: 20},
		{Title: "Value", Width: 10},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithRows(nil),
		table.WithFocused(false),
		table.WithHeight(6),
	)
	style := table.DefaultStyles()
	style.Header = style.Header.BorderForeground(lipgloss.Color("240"))
	style.Selected = style.Selected.Foreground(lipgloss.NoColor{})
	t.SetStyles(style)

	m := model{ctrl: ctrl, counters: t}
	m.refreshCounters()
	return m
}

func (m model) Init() tea.Cmd {
	return tick()
}

// refreshCounters rebuilds the counters table's rows from the
// controller's current snapshot, called on every tick alongside the
// host stats sample.
func (m *model) refreshCounters() {
	stats := m.ctrl.Counters()
	m.counters.SetRows([]table.Row{
		{"Playback completed", fmt.Sprintf("%d", stats.PlaybackCompleted)},
		{"Capture completed", fmt.Sprintf("%d", stats.CaptureCompleted)},
		{"Underruns", fmt.Sprintf("%d", stats.Underruns)},
		{"Overruns", fmt.Sprintf("%d", stats.Overruns)},
		{"Discontinuities", fmt.Sprintf("%d", stats.Discontinuities)},
		{"Last feedback (samples)", fmt.Sprintf("%d", stats.LastFeedbackSamples)},
	})
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		m.host = sampleHostStats()
		m.refreshCounters()
		return m, tick()
	}
	var cmd tea.Cmd
	m.counters, cmd = m.counters.Update(msg)
	return m, cmd
}

func sampleHostStats() hostStats {
	var h hostStats
	if pct, err := psutilcpu.Percent(0, false); err == nil && len(pct) > 0 {
		h.cpuPercent = pct[0]
	}
	if vm, err := psutilmem.VirtualMemory(); err == nil {
		h.memPercent = vm.UsedPercent
	}
	return h
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SL3 Monitor") + "\n\n")

	fmt.Fprintf(&b, "%s %d Hz\n", labelStyle.Render("Sample rate:"), m.ctrl.SampleRate())

	routing := m.ctrl.Routing()
	fmt.Fprintf(&b, "%s A=%s  B=%s  C=%s\n",
		labelStyle.Render("Routing:"), routing[0], routing[1], routing[2])

	overload := m.ctrl.OverloadStatus()
	b.WriteString(labelStyle.Render("Overload:") + " ")
	for i, on := range overload {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(boolIndicator(fmt.Sprintf("ch%d", i), on))
	}
	b.WriteString("\n")

	phono := m.ctrl.PhonoStatus()
	b.WriteString(labelStyle.Render("Phono:") + "    ")
	decks := [3]string{"A", "B", "C"}
	for i, on := range phono {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(boolIndicator(decks[i], on))
	}
	b.WriteString("\n")

	usbPort := m.ctrl.USBPortStatus()
	fmt.Fprintf(&b, "%s %x\n", labelStyle.Render("USB port raw:"), usbPort)

	fmt.Fprintf(&b, "\n%s\n", titleStyle.Render("Streaming"))
	b.WriteString(m.counters.View() + "\n")

	if m.ctrl.IsDisconnected() {
		b.WriteString("\n" + warnStyle.Render("DEVICE DISCONNECTED") + "\n")
	}

	fmt.Fprintf(&b, "\n%s\n", titleStyle.Render("Host"))
	fmt.Fprintf(&b, "%s %.1f%%  %s %.1f%%\n",
		labelStyle.Render("CPU:"), m.host.cpuPercent,
		labelStyle.Render("Mem:"), m.host.memPercent)

	b.WriteString("\n" + labelStyle.Render("q to quit"))
	return b.String()
}

func boolIndicator(label string, on bool) string {
	if on {
		return warnStyle.Render(label)
	}
	return okStyle.Render(label)
}
