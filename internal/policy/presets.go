package policy

import (
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// Candidate is an application the user may choose to monitor.
type Candidate struct {
	DisplayName    string `json:"name"`
	ExecutableName string `json:"process_name"`
	Running        bool   `json:"running"`
}

// presets are well-known applications offered even when not running.
var presets = []domain.MonitoredApp{
	{DisplayName: "Notepad", ExecutableName: "notepad.exe"},
	{DisplayName: "Calculator", ExecutableName: "calc.exe"},
	{DisplayName: "Paint", ExecutableName: "mspaint.exe"},
	{DisplayName: "WordPad", ExecutableName: "wordpad.exe"},
	{DisplayName: "Command Prompt", ExecutableName: "cmd.exe"},
	{DisplayName: "PowerShell", ExecutableName: "powershell.exe"},
	{DisplayName: "Task Manager", ExecutableName: "taskmgr.exe"},
	{DisplayName: "Windows Explorer", ExecutableName: "explorer.exe"},
	{DisplayName: "Chrome", ExecutableName: "chrome.exe"},
	{DisplayName: "Firefox", ExecutableName: "firefox.exe"},
	{DisplayName: "Edge", ExecutableName: "msedge.exe"},
	{DisplayName: "VS Code", ExecutableName: "code.exe"},
	{DisplayName: "WhatsApp", ExecutableName: "whatsapp.exe"},
}

// backgroundMarkers filter out system and helper processes from the listing.
var backgroundMarkers = []string{
	"system", "svchost", "runtime", "service", "dllhost", "conhost", "background",
}

// Presets returns the built-in list of common applications.
func Presets() []domain.MonitoredApp {
	out := make([]domain.MonitoredApp, len(presets))
	copy(out, presets)
	return out
}

// IsBackgroundProcess reports whether a process name looks like a system helper.
func IsBackgroundProcess(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range backgroundMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Candidates lists running user applications (deduplicated by executable,
// sorted by display name) followed by presets that are not running.
func Candidates(records []domain.ProcessRecord) []Candidate {
	seen := make(map[string]bool)
	var running []Candidate
	for _, rec := range records {
		if rec.Name == "" || IsBackgroundProcess(rec.Name) {
			continue
		}
		exe := domain.NormalizeExecutable(rec.Name)
		if seen[exe] {
			continue
		}
		seen[exe] = true
		running = append(running, Candidate{
			DisplayName:    displayNameFor(rec.Name),
			ExecutableName: exe,
			Running:        true,
		})
	}
	sort.Slice(running, func(i, j int) bool {
		return strings.ToLower(running[i].DisplayName) < strings.ToLower(running[j].DisplayName)
	})

	for _, p := range presets {
		if seen[p.ExecutableName] {
			continue
		}
		running = append(running, Candidate{
			DisplayName:    p.DisplayName,
			ExecutableName: p.ExecutableName,
		})
	}
	return running
}

func displayNameFor(processName string) string {
	name := processName
	if strings.HasSuffix(strings.ToLower(name), ".exe") {
		name = name[:len(name)-len(".exe")]
	}
	return name
}
