package counter

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

func writeShard(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part-00000")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return path
}

func TestCountFile(t *testing.T) {
	path := writeShard(t, "a\nb\na\nc\na\nb") // no trailing newline

	counts, lines, err := CountFile(context.Background(), path)
	if err != nil {
		t.Fatalf("CountFile failed: %v", err)
	}
	if lines != 6 {
		t.Errorf("lines = %d, want 6", lines)
	}
	want := map[string]uint64{"a": 3, "b": 2, "c": 1}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("count[%q] = %d, want %d", k, counts[k], v)
		}
	}
}

// TestCountFileOpaqueKeys checks that odd content is counted, never rejected.
func TestCountFileOpaqueKeys(t *testing.T) {
	path := writeShard(t, "x,y,z\nbad\xff\nx,y,z\n\n")

	counts, _, err := CountFile(context.Background(), path)
	if err != nil {
		t.Fatalf("CountFile failed: %v", err)
	}
	if counts["x,y,z"] != 2 || counts["bad\xff"] != 1 || counts[""] != 1 {
		t.Errorf("counts = %q", counts)
	}
}

// TestCountShardScenario is the single-shard example: {a:3, b:2, c:1}.
func TestCountShardScenario(t *testing.T) {
	path := writeShard(t, "a\nb\na\nc\na\nb\n")

	st, err := CountShard(context.Background(), path, 3, nil)
	if err != nil {
		t.Fatalf("CountShard failed: %v", err)
	}
	if st.Distinct != 3 || st.Retained != 3 || st.Truncated() || st.MinRetained != 1 {
		t.Errorf("stats = %+v", st)
	}

	data, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if got, want := string(data), "a,3\nb,2\nc,1\n"; got != want {
		t.Errorf("sidecar = %q, want %q", got, want)
	}
}

func TestCountShardTruncates(t *testing.T) {
	path := writeShard(t, "a\nb\na\nc\na\nb\nd\n")

	st, err := CountShard(context.Background(), path, 2, nil)
	if err != nil {
		t.Fatalf("CountShard failed: %v", err)
	}
	if !st.Truncated() || st.Retained != 2 || st.MinRetained != 2 {
		t.Errorf("stats = %+v", st)
	}

	items, skipped, err := ReadSidecarFile(st.Sidecar, nil)
	if err != nil || skipped != 0 {
		t.Fatalf("ReadSidecarFile: %v, skipped %d", err, skipped)
	}
	want := []topk.Item{{"a", 3}, {"b", 2}}
	if !slices.Equal(items, want) {
		t.Errorf("sidecar items = %v, want %v", items, want)
	}
}

func TestCountShardZeroK(t *testing.T) {
	path := writeShard(t, "a\na\n")

	if _, err := CountShard(context.Background(), path, 0, nil); err != nil {
		t.Fatalf("CountShard failed: %v", err)
	}
	data, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("sidecar = %q, want empty", data)
	}
}

func TestCountShardOverwrites(t *testing.T) {
	path := writeShard(t, "a\n")
	if err := os.WriteFile(SidecarPath(path), []byte("stale,99\nold,98\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := CountShard(context.Background(), path, 5, nil); err != nil {
		t.Fatalf("CountShard failed: %v", err)
	}
	data, _ := os.ReadFile(SidecarPath(path))
	if string(data) != "a,1\n" {
		t.Errorf("sidecar = %q, want %q", data, "a,1\n")
	}
	if _, err := os.Stat(SidecarPath(path) + ".tmp"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("temporary sidecar left behind: %v", err)
	}
}

// TestCountShardSplitDir checks that the sub-shards of a re-split shard are
// merged before selection: a key spread over them still wins.
func TestCountShardSplitDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "part-00007-parted")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	subs := map[string]string{
		"part-00000": "b\nb\na\n",
		"part-00001": "a\na\nc\n",
	}
	for name, content := range subs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := CountShard(context.Background(), dir, 1, nil)
	if err != nil {
		t.Fatalf("CountShard failed: %v", err)
	}
	if st.Lines != 6 || st.Distinct != 3 {
		t.Errorf("stats = %+v, want 6 lines and 3 distinct keys", st)
	}
	if st.Sidecar != dir+SidecarSuffix {
		t.Errorf("Sidecar = %q, want %q", st.Sidecar, dir+SidecarSuffix)
	}

	data, err := os.ReadFile(st.Sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if string(data) != "a,3\n" {
		t.Errorf("sidecar = %q, want %q", data, "a,3\n")
	}
}

func TestCountShardMissing(t *testing.T) {
	_, err := CountShard(context.Background(), filepath.Join(t.TempDir(), "nope"), 3, nil)
	if !errors.Is(err, fault.ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		want    topk.Item
		wantErr bool
	}{
		{line: "a,3", want: topk.Item{Key: "a", Count: 3}},
		{line: "a,3\n", want: topk.Item{Key: "a", Count: 3}},
		{line: "a,3\r\n", want: topk.Item{Key: "a", Count: 3}},
		{line: "http://x.com/?a=1,b=2,17", want: topk.Item{Key: "http://x.com/?a=1,b=2", Count: 17}},
		{line: ",5", want: topk.Item{Key: "", Count: 5}},
		{line: "no-separator", wantErr: true},
		{line: "a,", wantErr: true},
		{line: "a,-1", wantErr: true},
		{line: "a,12x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine(%q) err = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestReadSidecarSkipsMalformed(t *testing.T) {
	input := "a,3\ngarbage\nb,two\n\nc,1"

	items, skipped, err := ReadSidecar(strings.NewReader(input), "part-00000_cnt", nil)
	if err != nil {
		t.Fatalf("ReadSidecar failed: %v", err)
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
	want := []topk.Item{{"a", 3}, {"c", 1}}
	if !slices.Equal(items, want) {
		t.Errorf("items = %v, want %v", items, want)
	}
}

func TestWriteSidecar(t *testing.T) {
	var buf bytes.Buffer
	items := []topk.Item{{"k,1", 10}, {"k2", 0}}
	if err := WriteSidecar(&buf, items); err != nil {
		t.Fatalf("WriteSidecar failed: %v", err)
	}
	if got, want := buf.String(), "k,1,10\nk2,0\n"; got != want {
		t.Errorf("WriteSidecar = %q, want %q", got, want)
	}

	back, skipped, err := ReadSidecar(&buf, "mem", nil)
	if err != nil || skipped != 0 || !slices.Equal(back, items) {
		t.Errorf("ReadSidecar = %v, %d, %v", back, skipped, err)
	}
}
