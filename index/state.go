package index

import (
	"fmt"
	"sync"

	"github.com/INLOpen/dirindex/store"
)

// StateTable is the store table holding the trust registry.
const StateTable = "__state"

const (
	stateTrusted   byte = 'T'
	stateUntrusted byte = 'U'
)

// States records whether each index (attribute or VLV) may be used to answer
// queries. An index that was never recorded is trusted.
type States struct {
	tbl store.Table

	mu    sync.RWMutex
	cache map[string]bool
}

// LoadStates reads the whole registry from tbl.
func LoadStates(tbl store.Table) (*States, error) {
	s := &States{tbl: tbl, cache: make(map[string]bool)}
	cur, err := tbl.Scan(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load index states: %w", err)
	}
	defer cur.Close()
	for cur.Next() {
		kv, err := cur.At()
		if err != nil {
			return nil, fmt.Errorf("load index states: %w", err)
		}
		if len(kv.Value) != 1 || (kv.Value[0] != stateTrusted && kv.Value[0] != stateUntrusted) {
			return nil, fmt.Errorf("load index states: bad state %q for %q", kv.Value, kv.Key)
		}
		s.cache[string(kv.Key)] = kv.Value[0] == stateTrusted
	}
	if err := cur.Error(); err != nil {
		return nil, fmt.Errorf("load index states: %w", err)
	}
	return s, nil
}

func (s *States) IsTrusted(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trusted, ok := s.cache[name]
	return !ok || trusted
}

func (s *States) SetTrusted(name string, trusted bool) error {
	v := stateUntrusted
	if trusted {
		v = stateTrusted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tbl.Put([]byte(name), []byte{v}); err != nil {
		return fmt.Errorf("set trust of %s: %w", name, err)
	}
	s.cache[name] = trusted
	return nil
}

// Untrusted lists every index currently marked untrusted.
func (s *States) Untrusted() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, trusted := range s.cache {
		if !trusted {
			out = append(out, name)
		}
	}
	return out
}
