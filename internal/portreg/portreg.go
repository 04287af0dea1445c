// Package portreg persists the port allocation table to a JSON file.
//
// The on-disk shape mirrors SPEC_FULL.md §6: a port range plus the
// username→port map currently handed out, plus a stack of released
// ports available for reuse. Saves are atomic (write to a temp file in
// the same directory, then rename over the target) so a crash mid-save
// never leaves a half-written registry, the same pattern as
// internal/fileutil's copy helpers in the teacher tree.
package portreg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/websoft9/framed/internal/ferrors"
)

// Range is the inclusive [Start, End] port window the allocator may hand out.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Document is the full persisted state of the port registry.
type Document struct {
	Range     Range          `json:"range"`
	Allocated map[string]int `json:"allocated"`
	// Released holds ports returned to the pool, oldest first; the
	// allocator pops from the tail (LIFO reuse).
	Released []int `json:"released"`
}

func empty(r Range) *Document {
	return &Document{
		Range:     r,
		Allocated: make(map[string]int),
		Released:  []int{},
	}
}

// Load reads path. If the file does not exist, an empty document scoped
// to defaultRange is returned so first-run start-up doesn't require a
// pre-seeded file.
func Load(path string, defaultRange Range) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return empty(defaultRange), nil
	}
	if err != nil {
		return nil, ferrors.New("portreg.Load", ferrors.IoFailure, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.New("portreg.Load", ferrors.ConfigInvalid, err)
	}
	if doc.Allocated == nil {
		doc.Allocated = make(map[string]int)
	}
	if doc.Released == nil {
		doc.Released = []int{}
	}
	return &doc, nil
}

// Save writes doc to path atomically.
func Save(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferrors.New("portreg.Save", ferrors.IoFailure, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ferrors.New("portreg.Save", ferrors.Internal, err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ferrors.New("portreg.Save", ferrors.IoFailure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ferrors.New("portreg.Save", ferrors.IoFailure, err)
	}
	return nil
}
