package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/nssync/checkpoint"
	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/wal"
)

type inspectOptions struct {
	ShowPayload bool
	MaxPayload  int
}

// summary is what inspect found in the log.
type summary struct {
	SyncOffset uint64
	Records    int
	Pending    int
	EndOffset  uint64
	// Stopped is the read error that ended the walk early, if any.
	Stopped error
}

// recordState classifies the record starting at offset against the persisted
// replicated offset.
func recordState(offset, syncOffset uint64) string {
	if offset < syncOffset {
		return "replicated"
	}
	return "pending"
}

// inspect prints one line per record of the log at path and returns the totals.
func inspect(dir, file string, opts inspectOptions, out io.Writer) (summary, error) {
	var sum summary
	prog, found, err := checkpoint.Read(dir)
	if err != nil {
		return sum, fmt.Errorf("reading progress: %w", err)
	}
	sum.SyncOffset = prog.SyncOffset
	if found {
		fmt.Fprintf(out, "sync_offset=%d\n", prog.SyncOffset)
	} else {
		fmt.Fprintln(out, "sync_offset=0 (no progress file)")
	}

	cur, err := wal.OpenCursor(filepath.Join(dir, file), 0)
	if err != nil {
		return sum, fmt.Errorf("opening log: %w", err)
	}
	defer cur.Close()

	for {
		offset := cur.Offset()
		payload, err := cur.Next()
		if errors.Is(err, core.ErrNoNewEntries) {
			break
		}
		if err != nil {
			sum.Stopped = err
			fmt.Fprintf(out, "stopped at offset %d: %v\n", offset, err)
			break
		}
		state := recordState(offset, prog.SyncOffset)
		if state == "pending" {
			sum.Pending++
		}
		line := fmt.Sprintf("%06d: offset=%d size=%d %s", sum.Records, offset, wal.RecordSize(payload), state)
		if opts.ShowPayload {
			p := payload
			if opts.MaxPayload > 0 && len(p) > opts.MaxPayload {
				p = p[:opts.MaxPayload]
			}
			line += fmt.Sprintf(" payload=%q", p)
		}
		fmt.Fprintln(out, line)
		sum.Records++
	}
	sum.EndOffset = cur.Offset()
	fmt.Fprintf(out, "records=%d pending=%d end_offset=%d\n", sum.Records, sum.Pending, sum.EndOffset)
	return sum, nil
}

func main() {
	var dir, file string
	var opts inspectOptions
	flag.StringVar(&dir, "dir", "", "data directory path")
	flag.StringVar(&file, "file", wal.DefaultFileName, "log file name inside -dir")
	flag.BoolVar(&opts.ShowPayload, "payload", false, "print each payload (quoted)")
	flag.IntVar(&opts.MaxPayload, "max-payload", 80, "truncate printed payloads to this many bytes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "inspect_wal")
	if dir == "" {
		logger.Error("Missing required flag", "flag", "-dir")
		os.Exit(2)
	}

	sum, err := inspect(dir, file, opts, os.Stdout)
	if err != nil {
		logger.Error("Inspection failed", "dir", dir, "file", file, "error", err)
		os.Exit(1)
	}
	if sum.Stopped != nil {
		logger.Warn("Log ends with an unreadable record", "offset", sum.EndOffset, "error", sum.Stopped)
	}
}
