// Package display converts between density-independent units and
// pixels for the host terminal.
package display

import (
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// EnvDensity overrides the display density, e.g. TWOYI_DENSITY=2.
const EnvDensity = "TWOYI_DENSITY"

// fallbackStatusBarDp is used when the terminal does not report its
// pixel geometry.
const fallbackStatusBarDp = 24

var density = sync.OnceValue(func() float64 {
	return parseDensity(os.Getenv(EnvDensity))
})

var statusBarHeight = sync.OnceValue(func() int {
	return measureStatusBar(probeWinsize)
})

// Density returns the process display density. It is read once.
func Density() float64 { return density() }

// Dip2Px converts density-independent units to pixels, rounding half up.
func Dip2Px(dp float64) int { return dip2px(dp, Density()) }

// Px2Dp converts pixels to density-independent units.
func Px2Dp(px float64) float64 { return px / Density() }

// StatusBarHeight returns the pixel height of one terminal row, which is
// what the host's single-line status bar occupies. The value is computed
// once per process.
func StatusBarHeight() int { return statusBarHeight() }

func parseDensity(value string) float64 {
	if value == "" {
		return 1
	}
	d, err := strconv.ParseFloat(value, 64)
	if err != nil || d <= 0 {
		return 1
	}
	return d
}

func dip2px(dp, density float64) int {
	return int(dp*density + 0.5)
}

func measureStatusBar(probe func() (*unix.Winsize, error)) int {
	if ws, err := probe(); err == nil {
		if h, ok := rowHeight(ws); ok {
			return h
		}
	}
	return Dip2Px(fallbackStatusBarDp)
}

func rowHeight(ws *unix.Winsize) (int, bool) {
	if ws == nil || ws.Row == 0 || ws.Ypixel == 0 {
		return 0, false
	}
	return int(ws.Ypixel) / int(ws.Row), true
}

func probeWinsize() (*unix.Winsize, error) {
	var lastErr error
	for _, f := range []*os.File{os.Stdout, os.Stderr, os.Stdin} {
		ws, err := unix.IoctlGetWinsize(int(f.Fd()), unix.TIOCGWINSZ)
		if err == nil {
			return ws, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
