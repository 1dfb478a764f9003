// Package banner prints the startup banner shown by both binaries.
package banner

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
)

const (
	colorReset = "\x1b[0m"
	colorCyan  = "\x1b[1;36m"
)

// Print writes text as an ASCII-art banner followed by a version line.
func Print(w io.Writer, text, version string) {
	fig := figure.NewFigure(text, "", true)
	for _, line := range fig.Slicify() {
		fmt.Fprintln(w, colorCyan+line+colorReset)
	}
	if version != "" {
		fmt.Fprintf(w, "  version %s\n\n", version)
	}
}
