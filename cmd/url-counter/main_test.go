package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, cfg config)
	}{
		{
			name: "positional only",
			args: []string{"urls.txt", "512", "100"},
			check: func(t *testing.T, cfg config) {
				if cfg.source != "urls.txt" || cfg.splitMB != 512 || cfg.ntop != 100 {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.hasher != "xxhash" || cfg.skewFactor != 10 || cfg.hotKeys != 10 || cfg.resplit {
					t.Errorf("defaults = %+v", cfg)
				}
			},
		},
		{
			name: "flags before positionals",
			args: []string{"-shard-k", "300", "-skew", "-seed", "7", "-approx", "-hash", "xxh3", "-resplit", "in.txt", "64", "10"},
			check: func(t *testing.T, cfg config) {
				if cfg.shardK != 300 || !cfg.skew || cfg.seed != 7 || !cfg.approx || cfg.hasher != "xxh3" || !cfg.resplit {
					t.Errorf("cfg = %+v", cfg)
				}
			},
		},
		{name: "missing arguments", args: []string{"urls.txt", "512"}, wantErr: true},
		{name: "no arguments", args: nil, wantErr: true},
		{name: "bad split size", args: []string{"urls.txt", "big", "10"}, wantErr: true},
		{name: "zero split size", args: []string{"urls.txt", "0", "10"}, wantErr: true},
		{name: "bad ntop", args: []string{"urls.txt", "512", "ten"}, wantErr: true},
		{name: "negative ntop", args: []string{"urls.txt", "512", "-1"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope", "urls.txt", "512", "10"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseArgs(tt.args, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseArgs(%v) err = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestParseArgsErrorKind(t *testing.T) {
	_, err := parseArgs([]string{"urls.txt", "x", "10"}, io.Discard)
	if !errors.Is(err, fault.ErrParse) {
		t.Errorf("err = %v, want ErrParse", err)
	}
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"only-one"}, &stdout, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), usageLine) {
		t.Errorf("stderr = %q, want usage line", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
}

func TestRunEndToEnd(t *testing.T) {
	src := filepath.Join(t.TempDir(), "urls.txt")
	if err := os.WriteFile(src, []byte("a\nb\na\nc\na\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-workers", "2", src, "1", "2"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr.String())
	}

	want := "rank\tcount\turl\n====================\n1\t3\ta\n2\t2\tb\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestRunSkewNeedsApprox(t *testing.T) {
	src := filepath.Join(t.TempDir(), "urls.txt")
	if err := os.WriteFile(src, []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-skew", src, "1", "1"}, &stdout, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "configuration error") {
		t.Errorf("stderr = %q, want a configuration error", stderr.String())
	}
	if _, err := os.Stat(src + "-parted"); err == nil {
		t.Error("configuration errors must fail before creating the partition directory")
	}
}

func TestPrintRanking(t *testing.T) {
	var buf bytes.Buffer
	if err := printRanking(&buf, []topk.Item{{Key: "x", Count: 9}, {Key: "y", Count: 4}}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "rank\tcount\turl\n====================\n1\t9\tx\n2\t4\ty\n" {
		t.Errorf("printRanking = %q", got)
	}
}
