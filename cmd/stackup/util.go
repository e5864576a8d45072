package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}

func dash(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func okFailed(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
