package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/INLOpen/dirindex/core"
)

// Source produces the items of an import.
type Source interface {
	Each(ctx context.Context, fn func(Item) error) error
}

// SliceSource is a Source over entries held in memory.
type SliceSource []*core.Entry

func (s SliceSource) Each(ctx context.Context, fn func(Item) error) error {
	for _, e := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(Item{Entry: e}); err != nil {
			return err
		}
	}
	return nil
}

// EntryJSON is the JSON-lines form of an entry:
//
//	{"id": 7, "attributes": {"cn": ["Babs Jensen"], "sn": ["Jensen"]}}
//
// An "old" member carries the entry being replaced.
type EntryJSON struct {
	ID         uint64              `json:"id"`
	Attributes map[string][]string `json:"attributes"`
	Old        *EntryJSON          `json:"old,omitempty"`
}

func (j *EntryJSON) Entry() *core.Entry {
	e := core.NewEntry(j.ID)
	for name, values := range j.Attributes {
		e.AddString(name, values...)
	}
	return e
}

// NewEntryJSON converts an entry to its JSON-lines form.
func NewEntryJSON(e *core.Entry) EntryJSON {
	j := EntryJSON{ID: e.ID, Attributes: make(map[string][]string, len(e.Attributes))}
	for name, values := range e.Attributes {
		for _, v := range values {
			j.Attributes[name] = append(j.Attributes[name], string(v))
		}
	}
	return j
}

type jsonLines struct {
	r io.Reader
}

// JSONLines reads one EntryJSON object per line. Blank lines are skipped.
func JSONLines(r io.Reader) Source {
	return jsonLines{r: r}
}

func (s jsonLines) Each(ctx context.Context, fn func(Item) error) error {
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var j EntryJSON
		if err := json.Unmarshal(raw, &j); err != nil {
			return core.NewDecodeError(fmt.Sprintf("json line %d", line), err)
		}
		item := Item{Entry: j.Entry()}
		if j.Old != nil {
			item.Old = j.Old.Entry()
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read json lines: %w", err)
	}
	return nil
}
