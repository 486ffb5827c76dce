// Package query turns transaction filters into index queries and pages
// through the results.
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/ledger"
)

var (
	ErrUnscoped      = errors.New("query: filter has no owner, id or tags")
	ErrMalformedPage = errors.New("query: index response has no edges")
	ErrInvalidFilter = errors.New("query: invalid filter")
)

// HeightRange bounds results by block height. A zero bound is open.
type HeightRange struct {
	Min int64
	Max int64
}

// Filter selects transactions from the index
type Filter struct {
	Owner         string
	TransactionID string
	Tags          *domain.TagSet
	Heights       *HeightRange
	Sort          ledger.SortOrder
	// DesiredCount stops paging once this many edges arrived. Zero pages
	// until the index is exhausted.
	DesiredCount int
	// Force allows a filter with no owner, id or tags.
	Force bool
}

func (f Filter) scoped() bool {
	return f.Owner != "" || f.TransactionID != "" || f.Tags.Len() > 0
}

const nodeFields = `id
        anchor
        recipient
        owner { address key }
        fee { winston ar }
        quantity { winston ar }
        data { size type }
        tags { name value }
        block { id height timestamp }
        bundledIn { id }`

// Build renders one page request. It does no I/O.
func Build(f Filter, cursor string, first int) (string, error) {
	if !f.scoped() && !f.Force {
		return "", ErrUnscoped
	}
	if f.TransactionID != "" {
		if err := gateway.ValidateTxID(f.TransactionID); err != nil {
			return "", err
		}
	}
	if f.Heights != nil && f.Heights.Max > 0 && f.Heights.Min > f.Heights.Max {
		return "", fmt.Errorf("%w: height range %d..%d", ErrInvalidFilter, f.Heights.Min, f.Heights.Max)
	}
	if first < 1 {
		return "", fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidFilter, first)
	}

	args := []string{
		fmt.Sprintf("first: %d", first),
		"sort: " + f.Sort.GraphQL(),
	}
	if cursor != "" {
		args = append(args, "after: "+domain.QuoteString(cursor))
	}
	if f.Owner != "" {
		args = append(args, "owners: ["+domain.QuoteString(f.Owner)+"]")
	}
	if f.TransactionID != "" {
		args = append(args, "ids: ["+domain.QuoteString(f.TransactionID)+"]")
	}
	if frag := f.Tags.ToQueryFragment(); frag != "" {
		args = append(args, "tags: "+frag)
	}
	if h := f.Heights; h != nil {
		var bounds []string
		if h.Min > 0 {
			bounds = append(bounds, fmt.Sprintf("min: %d", h.Min))
		}
		if h.Max > 0 {
			bounds = append(bounds, fmt.Sprintf("max: %d", h.Max))
		}
		if len(bounds) > 0 {
			args = append(args, "block: {"+strings.Join(bounds, ", ")+"}")
		}
	}

	var sb strings.Builder
	sb.WriteString("query {\n  transactions(\n")
	for _, a := range args {
		sb.WriteString("    ")
		sb.WriteString(a)
		sb.WriteString("\n")
	}
	sb.WriteString("  ) {\n    edges {\n      cursor\n      node {\n        ")
	sb.WriteString(nodeFields)
	sb.WriteString("\n      }\n    }\n  }\n}")
	return sb.String(), nil
}

// ParseTagFlags turns name=value pairs into a tag set. Repeating a name adds
// another accepted value for that tag.
func ParseTagFlags(pairs []string, maxBytes int) (*domain.TagSet, error) {
	var order []string
	values := make(map[string][]string)
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: tag %q, want name=value", ErrInvalidFilter, p)
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = append(values[name], value)
	}

	ts := domain.NewTagSet(maxBytes)
	for _, name := range order {
		if err := ts.Add(domain.NewTag(name, values[name]...), false); err != nil {
			return nil, err
		}
	}
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return ts, nil
}
