package client

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func existsIn(paths ...string) func(string) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(p string) bool { return set[p] }
}

func noLookPath(string) (string, error) { return "", errors.New("not found") }

func TestResolveBrowser_ExplicitWins(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		Explicit: "/opt/chrome/chrome",
		GOOS:     "linux",
		Exists:   existsIn("/opt/chrome/chrome", "/usr/bin/chromium"),
		LookPath: noLookPath,
	})
	assert.True(t, ok)
	assert.Equal(t, "/opt/chrome/chrome", path)
}

func TestResolveBrowser_MissingExplicitFallsBack(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		Explicit: "/opt/chrome/chrome",
		GOOS:     "linux",
		Exists:   existsIn("/usr/bin/chromium"),
		LookPath: noLookPath,
	})
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/chromium", path)
}

func TestResolveBrowser_CandidateOrder(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		GOOS:     "linux",
		Exists:   existsIn("/usr/bin/chromium-browser", "/usr/bin/google-chrome"),
		LookPath: noLookPath,
	})
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/google-chrome", path)
}

func TestResolveBrowser_Darwin(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		GOOS:     "darwin",
		Exists:   existsIn("/Applications/Chromium.app/Contents/MacOS/Chromium", "/usr/bin/chromium"),
		LookPath: noLookPath,
	})
	assert.True(t, ok)
	assert.Equal(t, "/Applications/Chromium.app/Contents/MacOS/Chromium", path)
}

func TestResolveBrowser_WindowsUserInstall(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		GOOS: "windows",
		Exists: func(p string) bool {
			return p != `C:\Program Files\Google\Chrome\Application\chrome.exe` &&
				p != `C:\Program Files (x86)\Google\Chrome\Application\chrome.exe` &&
				p != `C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`
		},
		Getenv:   func(string) string { return `C:\Users\me\AppData\Local` },
		LookPath: noLookPath,
	})
	assert.True(t, ok)
	// filepath.Join uses the host separator, so only check the ends.
	assert.True(t, strings.HasPrefix(path, `C:\Users\me\AppData\Local`))
	assert.True(t, strings.HasSuffix(path, "chrome.exe"))
}

func TestResolveBrowser_PathLookup(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		GOOS:   "linux",
		Exists: existsIn(),
		LookPath: func(name string) (string, error) {
			if name == "chromium" {
				return "/usr/local/bin/chromium", nil
			}
			return "", errors.New("not found")
		},
	})
	assert.True(t, ok)
	assert.Equal(t, "/usr/local/bin/chromium", path)
}

func TestResolveBrowser_NothingFound(t *testing.T) {
	path, ok := ResolveBrowser(Finder{
		GOOS:     "plan9",
		Exists:   existsIn(),
		LookPath: noLookPath,
	})
	assert.False(t, ok)
	assert.Empty(t, path)
}
