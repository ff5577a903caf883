package explorer

import (
	"context"

	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/store"
)

// Child is one distinct key part found directly below a prefix
type Child struct {
	Part kvkey.Part
	// HasEntry reports whether an entry exists at exactly prefix+Part
	HasEntry bool
	// Descendants counts the entries scanned below prefix+Part
	Descendants int
}

// ChildrenOptions bounds a Children walk
type ChildrenOptions struct {
	// MaxScan caps the number of entries read; zero uses the explorer's
	// configured bound
	MaxScan int
}

// ChildrenResult lists the children of Prefix in key order
type ChildrenResult struct {
	Prefix    kvkey.Key
	Children  []Child
	Truncated bool
}

// Children walks the entries under prefix page by page and collects the
// distinct parts at depth len(prefix). Keys sharing a part are contiguous in
// store order, so comparing with the last child is enough to deduplicate.
func (e *Explorer) Children(ctx context.Context, conn store.Conn, prefix kvkey.Key, opts ChildrenOptions) (*ChildrenResult, error) {
	maxScan := opts.MaxScan
	if maxScan <= 0 || maxScan > e.maxScan {
		maxScan = e.maxScan
	}

	res := &ChildrenResult{Prefix: prefix, Children: []Child{}}
	depth := len(prefix)
	scanned := 0
	cursor := ""

	for {
		limit := e.maxLimit
		if remaining := maxScan - scanned; remaining < limit {
			limit = remaining
		}
		page, err := conn.List(detach(ctx), prefix, store.ListOptions{Limit: limit, Cursor: cursor})
		if err != nil {
			return nil, err
		}

		for _, entry := range page.Entries {
			scanned++
			if len(entry.Key) <= depth {
				continue
			}
			part := entry.Key[depth]
			last := len(res.Children) - 1
			if last < 0 || !kvkey.PartEqual(res.Children[last].Part, part) {
				res.Children = append(res.Children, Child{Part: part})
				last++
			}
			res.Children[last].Descendants++
			if len(entry.Key) == depth+1 {
				res.Children[last].HasEntry = true
			}
		}

		if page.Cursor == "" {
			return res, nil
		}
		if scanned >= maxScan {
			res.Truncated = true
			return res, nil
		}
		cursor = page.Cursor
	}
}
