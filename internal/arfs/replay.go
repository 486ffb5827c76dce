package arfs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pbaille/arq/internal/domain"
	"github.com/pbaille/arq/internal/ledger"
)

// metadata is the JSON body of a drive, folder or file transaction
type metadata struct {
	Name             string `json:"name"`
	RootFolderID     string `json:"rootFolderId,omitempty"`
	Size             *int64 `json:"size,omitempty"`
	LastModifiedDate *int64 `json:"lastModifiedDate,omitempty"`
	DataTxID         string `json:"dataTxId,omitempty"`
	DataContentType  string `json:"dataContentType,omitempty"`
}

func parseMetadata(body []byte) (metadata, error) {
	var m metadata
	if err := json.Unmarshal(body, &m); err != nil {
		return metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// snapshot is the entity state one metadata transaction describes
type snapshot struct {
	name           string
	driveID        string
	parentFolderID string
	rootFolderID   string
	privacy        string
	dataTxID       string
	contentType    string
	size           *int64
	lastModified   *int64
	encrypted      bool
}

func snapshotOf(r *ledger.Record, body *metadata) snapshot {
	tags := r.Tags()
	s := snapshot{
		driveID:        tags.Value(domain.TagDriveID),
		parentFolderID: tags.Value(domain.TagParentFolderID),
		privacy:        tags.Value(domain.TagDrivePrivacy),
		encrypted:      isEncrypted(tags),
	}
	if body != nil {
		s.name = body.Name
		s.rootFolderID = body.RootFolderID
		s.dataTxID = body.DataTxID
		s.contentType = body.DataContentType
		s.size = body.Size
		s.lastModified = body.LastModifiedDate
	}
	return s
}

// withBodyOf keeps the tag-derived fields of s and takes the body-derived
// ones from prev
func (s snapshot) withBodyOf(prev snapshot) snapshot {
	s.name = prev.name
	s.rootFolderID = prev.rootFolderID
	s.dataTxID = prev.dataTxID
	s.contentType = prev.contentType
	s.size = prev.size
	s.lastModified = prev.lastModified
	return s
}

func isEncrypted(tags *domain.TagSet) bool {
	return tags.Has(domain.TagCipher) || tags.Value(domain.TagDrivePrivacy) == domain.PrivacyPrivate
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// fields lists the snapshot as name/value pairs in a stable order
func (s snapshot) fields() [][2]string {
	return [][2]string{
		{"name", s.name},
		{"driveId", s.driveID},
		{"parentFolderId", s.parentFolderID},
		{"rootFolderId", s.rootFolderID},
		{"privacy", s.privacy},
		{"dataTxId", s.dataTxID},
		{"dataContentType", s.contentType},
		{"size", optInt(s.size)},
		{"lastModifiedDate", optInt(s.lastModified)},
	}
}

func diff(prev, cur snapshot) []Change {
	a, b := prev.fields(), cur.fields()
	var changes []Change
	for i := range b {
		if a[i][1] != b[i][1] {
			changes = append(changes, Change{Field: b[i][0], From: a[i][1], To: b[i][1]})
		}
	}
	return changes
}

func describeCreate(s snapshot) string {
	var parts []string
	for _, f := range s.fields() {
		if f[1] != "" {
			parts = append(parts, f[0]+"="+f[1])
		}
	}
	if len(parts) == 0 {
		return "Created"
	}
	return "Created with " + strings.Join(parts, ", ")
}

func describeModify(changes []Change) string {
	if len(changes) == 0 {
		return "Modified: no field changes"
	}
	names := make([]string, len(changes))
	for i, c := range changes {
		names[i] = c.Field
	}
	return "Modified: " + strings.Join(names, ", ")
}

// apply copies s onto the entity's current fields
func (e *Entity) apply(s snapshot) {
	e.Name = s.name
	e.DriveID = s.driveID
	e.ParentFolderID = s.parentFolderID
	e.RootFolderID = s.rootFolderID
	e.Privacy = s.privacy
	e.DataTxID = s.dataTxID
	e.ContentType = s.contentType
	e.Size = s.size
	e.Encrypted = s.encrypted
	e.LastModified = nil
	if s.lastModified != nil {
		t := time.UnixMilli(*s.lastModified).UTC()
		e.LastModified = &t
	}
}
