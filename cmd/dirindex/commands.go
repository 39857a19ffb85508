package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/INLOpen/dirindex/engine"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/importer"
	"github.com/INLOpen/dirindex/vlv"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// openInput returns stdin for "-" and the named file otherwise.
func (a *app) openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(a.stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type resultJSON struct {
	Entries int64                          `json:"entries"`
	Indexes map[string]importer.MergeStats `json:"indexes,omitempty"`
	VLV     map[string]vlv.BulkStats       `json:"vlv,omitempty"`
	Failed  map[string]string              `json:"failed,omitempty"`
}

func toResultJSON(res importer.Result) resultJSON {
	out := resultJSON{Entries: res.Entries, Indexes: res.Indexes, VLV: res.VLV}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for name, err := range res.Failed {
			out.Failed[name] = err.Error()
		}
	}
	return out
}

func runImport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("import")
	input := fs.String("input", "-", "JSON lines file of entries, - for stdin")
	indexes := fs.String("indexes", "", "Comma-separated index names; empty imports all")
	appendMode := fs.Bool("append", false, "Merge into the existing index contents")
	replace := fs.Bool("replace", false, "Apply old entry values as deletes (requires -append)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *replace && !*appendMode {
		return errors.New("import: -replace requires -append")
	}
	r, err := a.openInput(*input)
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := a.engine.Import(ctx, importer.JSONLines(r), engine.ImportOptions{
		Indexes: splitList(*indexes),
		Append:  *appendMode,
		Replace: *replace,
	})
	if werr := a.writeJSON(toResultJSON(res)); werr != nil && err == nil {
		err = werr
	}
	return err
}

func runRebuild(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("rebuild")
	input := fs.String("input", "-", "JSON lines file of every entry, - for stdin")
	indexes := fs.String("indexes", "", "Comma-separated index names; empty rebuilds all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := a.openInput(*input)
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := a.engine.Rebuild(ctx, splitList(*indexes), importer.JSONLines(r))
	if werr := a.writeJSON(toResultJSON(res)); werr != nil && err == nil {
		err = werr
	}
	return err
}

type searchJSON struct {
	Filter    string       `json:"filter"`
	Unbounded bool         `json:"unbounded"`
	Count     int          `json:"count"`
	IDs       []entryid.ID `json:"ids,omitempty"`
	Explain   []string     `json:"explain,omitempty"`
}

func runSearch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("search")
	explain := fs.Bool("explain", false, "Include the index lookups the planner made")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("search: expected exactly one filter argument")
	}
	f := fs.Arg(0)

	out := searchJSON{Filter: f}
	var set entryid.Set
	var err error
	if *explain {
		var trace string
		set, trace, err = a.engine.Explain(ctx, f)
		out.Explain = strings.Split(strings.TrimRight(trace, "\n"), "\n")
	} else {
		set, err = a.engine.Search(ctx, f)
	}
	if err != nil {
		return err
	}
	out.Unbounded = set.IsUnbounded()
	out.Count = set.Len()
	out.IDs = set.IDs()
	return a.writeJSON(out)
}

func runVerify(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rep, err := a.engine.Verify(ctx)
	if err != nil {
		return err
	}
	untrusted := a.engine.Untrusted()
	sort.Strings(untrusted)
	if err := a.writeJSON(map[string]any{"indexes": rep.Indexes, "vlv": rep.VLV, "untrusted": untrusted}); err != nil {
		return err
	}
	if !rep.OK() {
		return errors.New("verify: problems found")
	}
	return nil
}

func runVLV(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("vlv")
	name := fs.String("name", "", "VLV index name")
	offset := fs.Int("offset", 0, "Zero-based position of the first entry")
	count := fs.Int("count", 20, "Number of entries to return")
	if err := fs.Parse(args); err != nil {
		return err
	}
	x, err := a.engine.VLV(*name)
	if err != nil {
		return err
	}
	ids, total, err := x.Read(ctx, *offset, *count)
	if err != nil {
		return err
	}
	return a.writeJSON(map[string]any{"name": x.Name(), "sort": x.Order().String(), "offset": *offset, "total": total, "ids": ids})
}
