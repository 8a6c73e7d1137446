// Package ingest feeds raw source records into the resolver: one-shot
// JSONL batch files and a spool directory watcher for continuous intake
// from upstream exporters.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/savornet/backline/internal/fusion"
)

// Result summarizes one batch run. Items preserves input order, one slot
// per line.
type Result struct {
	Total     int                `json:"total"`
	Created   int                `json:"created"`
	Attached  int                `json:"attached"`
	Conflicts int                `json:"conflicts"`
	Failed    int                `json:"failed"`
	Items     []fusion.BatchItem `json:"items"`
}

// File resolves one JSONL batch file.
func File(ctx context.Context, r *fusion.Resolver, path string) (*Result, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied batch path
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	return Reader(ctx, r, f)
}

// slot is one input line: either a decoded input or a decode error.
type slot struct {
	in  fusion.ResolveInput
	err error
}

// Reader resolves JSONL from any stream: one ResolveInput object per line,
// blank lines skipped. A malformed line becomes a failed slot; it never
// aborts the rest of the batch.
func Reader(ctx context.Context, r *fusion.Resolver, src io.Reader) (*Result, error) {
	var slots []slot
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var in fusion.ResolveInput
		if err := json.Unmarshal(raw, &in); err != nil {
			slots = append(slots, slot{err: fmt.Errorf("line %d: %w", line, err)})
			continue
		}
		slots = append(slots, slot{in: in})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ingest: read batch: %w", err)
	}

	valid := make([]fusion.ResolveInput, 0, len(slots))
	for _, s := range slots {
		if s.err == nil {
			valid = append(valid, s.in)
		}
	}
	resolved := r.ResolveBatch(ctx, valid)

	// Merge the decode failures back in so output slots line up with the
	// input file.
	items := make([]fusion.BatchItem, 0, len(slots))
	next := 0
	for _, s := range slots {
		if s.err != nil {
			items = append(items, fusion.BatchItem{Err: s.err, ErrMessage: s.err.Error()})
			continue
		}
		items = append(items, resolved[next])
		next++
	}
	return summarize(items), nil
}

func summarize(items []fusion.BatchItem) *Result {
	res := &Result{Total: len(items), Items: items}
	for _, item := range items {
		switch {
		case item.Err != nil:
			res.Failed++
		case item.Resolution.Created:
			res.Created++
		default:
			res.Attached++
		}
		if item.Err == nil && item.Resolution.Conflict {
			res.Conflicts++
		}
	}
	return res
}
