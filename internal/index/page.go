package index

import (
	"encoding/json"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Page is the index entry of one wiki page. Content is not held here; it is
// read by Hash through the blob cache.
type Page struct {
	Slug string
	// Path is the file path in the tree. Slugs are paths, so the two are equal.
	Path        string
	Hash        plumbing.Hash
	Commit      plumbing.Hash // last commit that changed the page
	Modified    time.Time     // author time of Commit
	RenamedFrom string        // set when Commit moved the page here
}

type pageJSON struct {
	Slug        string    `json:"slug"`
	Path        string    `json:"path"`
	Hash        string    `json:"hash"`
	Commit      string    `json:"commit"`
	Modified    time.Time `json:"modified"`
	RenamedFrom string    `json:"renamed_from,omitempty"`
}

func (p Page) MarshalJSON() ([]byte, error) {
	return json.Marshal(pageJSON{
		Slug:        p.Slug,
		Path:        p.Path,
		Hash:        p.Hash.String(),
		Commit:      p.Commit.String(),
		Modified:    p.Modified,
		RenamedFrom: p.RenamedFrom,
	})
}

func (p *Page) UnmarshalJSON(b []byte) error {
	var v pageJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Page{
		Slug:        v.Slug,
		Path:        v.Path,
		Hash:        plumbing.NewHash(v.Hash),
		Commit:      plumbing.NewHash(v.Commit),
		Modified:    v.Modified,
		RenamedFrom: v.RenamedFrom,
	}
	return nil
}
