package client

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// DefaultBrowserArgs are the automation flags passed to the browser. They
// keep a containerized Chromium from needing a sandbox or shared memory.
var DefaultBrowserArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--no-first-run",
	"--no-zygote",
	"--disable-extensions",
}

// browserCandidates lists well-known install locations per GOOS, most
// preferred first.
var browserCandidates = map[string][]string{
	"linux": {
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
	},
}

// browserNames are looked up on PATH when no candidate location exists.
var browserNames = []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser", "chrome"}

// Finder holds the inputs to browser resolution. Zero-valued hooks fall back
// to the real filesystem and PATH.
type Finder struct {
	Explicit string // configured path, tried first
	GOOS     string
	Exists   func(path string) bool
	LookPath func(name string) (string, error)
	Getenv   func(key string) string
}

// ResolveBrowser returns the automation browser binary to use. The search
// order is the explicit path, the per-platform install locations (plus the
// per-user location on Windows), then PATH. ok is false when nothing was
// found; the client then falls back to whatever browser it bundles.
func ResolveBrowser(f Finder) (path string, ok bool) {
	exists := f.Exists
	if exists == nil {
		exists = fileExists
	}
	lookPath := f.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	getenv := f.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	goos := f.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	if f.Explicit != "" && exists(f.Explicit) {
		return f.Explicit, true
	}

	candidates := browserCandidates[goos]
	if goos == "windows" {
		if local := getenv("LOCALAPPDATA"); local != "" {
			candidates = append(candidates, filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe"))
		}
	}
	for _, c := range candidates {
		if exists(c) {
			return c, true
		}
	}

	for _, name := range browserNames {
		if p, err := lookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
