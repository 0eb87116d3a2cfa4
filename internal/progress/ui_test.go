package progress

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFormatLine(t *testing.T) {
	v := DownloadView{
		CurrentFile: "docs/a.txt",
		Stats: Stats{
			BytesDone:  1024,
			Total:      2048,
			Percent:    50,
			RateBps:    2048,
			ETA:        90 * time.Second,
			FilesDone:  1,
			FilesTotal: 4,
			Skipped:    1,
		},
	}
	line := FormatLine(v)
	for _, want := range []string{"50.0%", "2.0 KiB/s", "00:01:30", "1.0 KiB/2.0 KiB", "docs/a.txt (1/4)", "skipped=1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(FormatLine(DownloadView{}), "skipped") {
		t.Fatal("zero skips should not be shown")
	}
}

func TestRenderDownloadPlainWriter(t *testing.T) {
	var out lockedBuffer
	stop := RenderDownload(context.Background(), &out, func() DownloadView {
		return DownloadView{Paused: true}
	})
	stop()
	stop()
	got := out.String()
	if strings.Count(got, "\n") != 1 {
		t.Fatalf("expected exactly the final line, got %q", got)
	}
	if !strings.Contains(got, "paused") {
		t.Fatalf("expected paused marker in %q", got)
	}
}
