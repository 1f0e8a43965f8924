package storage

import (
	"context"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

const defaultPageSize = 1000

// cursor is a listing position. B2 uses Name (and ID for versions); S3 uses
// Name as the continuation token or key marker and ID as the version marker.
type cursor struct {
	Name string
	ID   string
}

func (c cursor) done() bool { return c.Name == "" && c.ID == "" }

// pageFunc fetches the page starting at from and returns its records and the
// cursor of the following page, empty on the last page.
type pageFunc func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error)

// collectPages requests pages until the cursor comes back empty and
// concatenates the records in the order received.
func collectPages(ctx context.Context, fetch pageFunc) ([]*freeze.FreezeFile, error) {
	var (
		all  []*freeze.FreezeFile
		from cursor
	)
	for {
		page, next, err := fetch(ctx, from)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next.done() {
			return all, nil
		}
		from = next
	}
}
