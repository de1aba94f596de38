package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newBufferLogger() (*GormLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewGormLogger(l), &buf
}

func stmt() (string, int64) { return "SELECT 1", 1 }

func TestGormLoggerTrace(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		begin time.Time
		err   error
		want  string
	}{
		{"failure", time.Now(), errors.New("boom"), "sql statement failed"},
		{"slow", time.Now().Add(-time.Second), nil, "slow sql statement"},
		{"record not found", time.Now(), gorm.ErrRecordNotFound, ""},
		{"fast", time.Now(), nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, buf := newBufferLogger()
			g.Trace(ctx, tt.begin, stmt, tt.err)
			out := buf.String()
			if tt.want == "" {
				if out != "" {
					t.Errorf("unexpected log output: %s", out)
				}
				return
			}
			if !strings.Contains(out, tt.want) || !strings.Contains(out, "SELECT 1") {
				t.Errorf("log = %q, want %q with statement", out, tt.want)
			}
		})
	}
}

func TestGormLoggerLogMode(t *testing.T) {
	g, buf := newBufferLogger()

	silent := g.LogMode(gormlogger.Silent)
	silent.Trace(context.Background(), time.Now(), stmt, errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote %q", buf.String())
	}

	verbose := g.LogMode(gormlogger.Info)
	verbose.Trace(context.Background(), time.Now(), stmt, nil)
	if !strings.Contains(buf.String(), "sql statement") {
		t.Errorf("info logger output = %q", buf.String())
	}

	// LogMode must not change the receiver.
	if g.level != gormlogger.Warn {
		t.Errorf("original level = %v, want warn", g.level)
	}
}
