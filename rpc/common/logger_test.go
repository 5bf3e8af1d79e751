package common

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := CreateLogger("db").(*nodeLogger)
	l.out = log.New(&buf, "", 0)
	l.SetLevel(logger.WARNING)

	l.Infof("hidden %d", 1)
	l.Warningf("shown %d", 2)
	l.Errorf("shown %d", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines %q, want 2", len(lines), lines)
	}
	want := "WARN  | db" + strings.Repeat(" ", nameWidth-len("db")) + " | shown 2"
	if lines[0] != want {
		t.Errorf("line = %q, want %q", lines[0], want)
	}
	if !strings.HasPrefix(lines[1], "ERROR | ") {
		t.Errorf("line = %q, want ERROR label", lines[1])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logger.LogLevel
		wantErr bool
	}{
		{"debug", logger.DEBUG, false},
		{"INFO", logger.INFO, false},
		{"warn", logger.WARNING, false},
		{"warning", logger.WARNING, false},
		{"error", logger.ERROR, false},
		{"verbose", logger.INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.wantErr)
			}
		})
	}
}
