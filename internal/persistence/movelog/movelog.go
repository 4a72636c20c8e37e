// Package movelog records per-link-entry movement events. Every
// worker writes two forms: the semicolon-separated
// moves_proc_<rank>.csv, and a zstd-compressed JSONL stream consumed
// by cmd/replay.
package movelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"gridlock.dev/internal/sim"
)

// Writer is a MoveLogger writing both output forms. Not safe for
// concurrent use; the engine drives it from the tick loop.
type Writer struct {
	csvFile *os.File
	csvBuf  *bufio.Writer

	zstFile *os.File
	enc     *zstd.Encoder
	zstBuf  *bufio.Writer
}

// NewWriter creates moves_proc_<rank>.csv and moves_proc_<rank>.jsonl.zst
// under dir.
func NewWriter(dir string, rank int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	csvPath := filepath.Join(dir, fmt.Sprintf("moves_proc_%d.csv", rank))
	cf, err := os.Create(csvPath)
	if err != nil {
		return nil, err
	}

	zstPath := filepath.Join(dir, fmt.Sprintf("moves_proc_%d.jsonl.zst", rank))
	zf, err := os.Create(zstPath)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}
	enc, err := zstd.NewWriter(zf, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = cf.Close()
		_ = zf.Close()
		return nil, err
	}

	return &Writer{
		csvFile: cf,
		csvBuf:  bufio.NewWriterSize(cf, 128*1024),
		zstFile: zf,
		enc:     enc,
		zstBuf:  bufio.NewWriterSize(enc, 128*1024),
	}, nil
}

func (w *Writer) WriteMove(ev sim.MoveEvent) error {
	if _, err := fmt.Fprintf(w.csvBuf, "%s;%s;%g;%g;%d;%d\n",
		ev.AgentID, ev.Link, ev.EnterTime, ev.TimeOnLink, ev.PathIdx, ev.LinkIdx); err != nil {
		return err
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.zstBuf.Write(b); err != nil {
		return err
	}
	return w.zstBuf.WriteByte('\n')
}

func (w *Writer) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(w.csvBuf.Flush())
	keep(w.csvFile.Close())
	keep(w.zstBuf.Flush())
	keep(w.enc.Close())
	keep(w.zstFile.Close())
	return firstErr
}
