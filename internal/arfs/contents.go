package arfs

import (
	"context"
	"sort"

	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/ledger"
	"github.com/pbaille/arq/internal/query"
)

// driveContents lists the newest revision of every file and folder that
// names this drive and places each one relative to the drive's folders
func (e *Engine) driveContents(ctx context.Context, ent *Entity) {
	tags := domain.NewTagSet(0)
	tags.Add(domain.NewTag(domain.TagDriveID, ent.ID), false)
	tags.Add(domain.NewTag(domain.TagEntityType, string(KindFile), string(KindFolder)), false)

	all, err := e.ledger.Run(ctx, query.Filter{Tags: tags, Sort: ledger.HeightAsc})
	if err != nil {
		ent.errorf("drive contents: %v", err)
		return
	}
	owned := all.ByOwner(ent.Owner)
	if foreign := all.Len() - owned.Len(); foreign > 0 {
		ent.warnf("%d content transactions from other owners ignored", foreign)
	}

	type item struct {
		kind   Kind
		id     string
		latest *ledger.Record
	}
	newest := make(map[string]*item)
	for _, r := range owned.Records() {
		kind, err := ParseKind(r.Tag(domain.TagEntityType))
		if err != nil || kind == KindDrive {
			ent.warnf("transaction %s has entity type %q", r.ID(), r.Tag(domain.TagEntityType))
			continue
		}
		id := r.Tag(kind.IDTag())
		if id == "" {
			ent.warnf("transaction %s has no %s tag", r.ID(), kind.IDTag())
			continue
		}
		key := string(kind) + "/" + id
		cur, ok := newest[key]
		if !ok {
			newest[key] = &item{kind: kind, id: id, latest: r}
			continue
		}
		if ledger.Newer(r, cur.latest) {
			cur.latest = r
		}
	}

	folders := make(map[string]bool)
	for _, it := range newest {
		if it.kind == KindFolder {
			folders[it.id] = true
		}
	}

	c := &Contents{}
	var parentless []string
	for _, it := range newest {
		entry := ContentEntry{
			Kind:           it.kind,
			ID:             it.id,
			ParentFolderID: it.latest.Tag(domain.TagParentFolderID),
			Latest:         refOf(it.latest),
		}
		switch {
		case entry.ParentFolderID == "":
			entry.Placement = Parentless
			c.Parentless++
			parentless = append(parentless, it.id)
		case folders[entry.ParentFolderID]:
			entry.Placement = Contained
			c.Contained++
		default:
			entry.Placement = Orphan
			c.Orphaned++
		}
		if it.kind == KindFolder {
			c.Folders++
		} else {
			c.Files++
		}
		c.Entries = append(c.Entries, entry)
	}
	sort.Slice(c.Entries, func(i, j int) bool {
		if c.Entries[i].Kind != c.Entries[j].Kind {
			return c.Entries[i].Kind == KindFolder
		}
		return c.Entries[i].ID < c.Entries[j].ID
	})

	if len(parentless) > 1 {
		sort.Strings(parentless)
		ent.warnf("%d parentless entities in drive, expected only the root folder: %v", len(parentless), parentless)
	}
	if ent.RootFolderID != "" && !folders[ent.RootFolderID] {
		ent.warnf("root folder %s not found among drive contents", ent.RootFolderID)
	}
	ent.Contents = c
}
