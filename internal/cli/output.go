package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// printer writes command results in the selected format
type printer struct {
	format string
	w      io.Writer
}

// result prints v as indented JSON, or calls text in text mode
func (p printer) result(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

func line(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
