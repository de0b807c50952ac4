// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"encoding/json"

	"github.com/uptrace/bun"
)

// Bun ORM models for lix tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// Change is one immutable row of the change log.
// A nil SnapshotContent is a tombstone.
type Change struct {
	bun.BaseModel `bun:"table:change"`

	ID              string  `bun:"id,pk"`
	EntityID        string  `bun:"entity_id,notnull"`
	SchemaKey       string  `bun:"schema_key,notnull"`
	SchemaVersion   string  `bun:"schema_version,notnull"`
	FileID          string  `bun:"file_id,notnull"`
	PluginKey       string  `bun:"plugin_key,notnull"`
	SnapshotContent *string `bun:"snapshot_content"`
	Metadata        *string `bun:"metadata"`
	CreatedAt       string  `bun:"created_at,notnull"`
}

// IsTombstone reports whether the change deletes its entity.
func (c *Change) IsTombstone() bool {
	return c.SnapshotContent == nil
}

// Key returns the entity key the change applies to.
func (c *Change) Key() EntityKey {
	return EntityKey{EntityID: c.EntityID, SchemaKey: c.SchemaKey, FileID: c.FileID}
}

// SameContent reports whether two changes carry identical content.
func (c *Change) SameContent(o *Change) bool {
	return c.ID == o.ID &&
		c.EntityID == o.EntityID &&
		c.SchemaKey == o.SchemaKey &&
		c.SchemaVersion == o.SchemaVersion &&
		c.FileID == o.FileID &&
		c.PluginKey == o.PluginKey &&
		equalStringPtr(c.SnapshotContent, o.SnapshotContent) &&
		equalStringPtr(c.Metadata, o.Metadata)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// EntityKey identifies an entity across the change log.
type EntityKey struct {
	EntityID  string
	SchemaKey string
	FileID    string
}

// ChangeSet groups elements.
type ChangeSet struct {
	bun.BaseModel `bun:"table:change_set"`

	ID       string  `bun:"id,pk"`
	Metadata *string `bun:"metadata"`
}

// ChangeSetElement binds a change to a change set, one per entity key.
type ChangeSetElement struct {
	bun.BaseModel `bun:"table:change_set_element"`

	ChangeSetID string `bun:"change_set_id,pk"`
	ChangeID    string `bun:"change_id,notnull"`
	EntityID    string `bun:"entity_id,pk"`
	SchemaKey   string `bun:"schema_key,pk"`
	FileID      string `bun:"file_id,pk"`
}

// Key returns the element's entity key.
func (e *ChangeSetElement) Key() EntityKey {
	return EntityKey{EntityID: e.EntityID, SchemaKey: e.SchemaKey, FileID: e.FileID}
}

// Commit is a node of the commit graph.
type Commit struct {
	bun.BaseModel `bun:"table:commit,alias:cm"`

	ID               string   `bun:"id,pk"`
	ChangeSetID      string   `bun:"change_set_id,notnull"`
	ParentCommitIDs  []string `bun:"parent_commit_ids,type:text"`
	ChangeIDs        []string `bun:"change_ids,type:text"`
	MetaChangeIDs    []string `bun:"meta_change_ids,type:text"`
	AuthorAccountIDs []string `bun:"author_account_ids,type:text"`
	Generation       int64    `bun:"generation,notnull"`
	CreatedAt        string   `bun:"created_at,notnull"`
}

// CommitEdge is derived from a commit's parent list.
type CommitEdge struct {
	bun.BaseModel `bun:"table:commit_edge"`

	ParentID string `bun:"parent_id,pk"`
	ChildID  string `bun:"child_id,pk"`
}

// Version is a named branch pointing at a commit.
type Version struct {
	bun.BaseModel `bun:"table:version"`

	ID                    string  `bun:"id,pk"`
	Name                  string  `bun:"name,notnull,unique"`
	CommitID              string  `bun:"commit_id,notnull"`
	WorkingChangeSetID    string  `bun:"working_change_set_id,notnull"`
	InheritsFromVersionID *string `bun:"inherits_from_version_id"`
}

// Parent returns the inherited version id, or "" when the version does not inherit.
func (v *Version) Parent() string {
	if v.InheritsFromVersionID == nil {
		return ""
	}
	return *v.InheritsFromVersionID
}

// ActiveVersionModel represents the single-row active_version table
type ActiveVersionModel struct {
	bun.BaseModel `bun:"table:active_version"`

	ID        int64  `bun:"id,pk"`
	VersionID string `bun:"version_id,notnull"`
}

// Conflict records two changes that disagree on the same entity.
type Conflict struct {
	bun.BaseModel `bun:"table:conflict"`

	ChangeID             string  `bun:"change_id,pk"`
	ConflictingChangeID  string  `bun:"conflicting_change_id,pk"`
	ResolvedWithChangeID *string `bun:"resolved_with_change_id"`
	CreatedAt            string  `bun:"created_at,notnull"`
}

// Label names change sets.
type Label struct {
	bun.BaseModel `bun:"table:label"`

	ID   string `bun:"id,pk"`
	Name string `bun:"name,notnull,unique"`
}

// ChangeSetLabel attaches a label to a change set.
type ChangeSetLabel struct {
	bun.BaseModel `bun:"table:change_set_label"`

	ChangeSetID string `bun:"change_set_id,pk"`
	LabelID     string `bun:"label_id,pk"`
}

// StoredSchema is a registered schema definition.
type StoredSchema struct {
	bun.BaseModel `bun:"table:stored_schema"`

	Key     string `bun:"key,pk"`
	Version string `bun:"version,pk"`
	Value   string `bun:"value,notnull"`
}

// StateRow is one row of a state tier. T and U rows leave ChangeID and
// CommitID empty; cache rows carry both.
type StateRow struct {
	ID              string  `bun:"id"`
	EntityID        string  `bun:"entity_id"`
	SchemaKey       string  `bun:"schema_key"`
	FileID          string  `bun:"file_id"`
	VersionID       string  `bun:"version_id"`
	PluginKey       string  `bun:"plugin_key"`
	SchemaVersion   string  `bun:"schema_version"`
	SnapshotContent *string `bun:"snapshot_content"`
	Metadata        *string `bun:"metadata"`
	ChangeID        string  `bun:"change_id"`
	CommitID        string  `bun:"commit_id"`
	CreatedAt       string  `bun:"created_at"`
	UpdatedAt       string  `bun:"updated_at"`
}

// IsTombstone reports whether the row masks its entity.
func (r *StateRow) IsTombstone() bool {
	return r.SnapshotContent == nil
}

// Key returns the row's entity key.
func (r *StateRow) Key() EntityKey {
	return EntityKey{EntityID: r.EntityID, SchemaKey: r.SchemaKey, FileID: r.FileID}
}

// Snapshot decodes the snapshot into a map. Tombstones decode to nil.
func (r *StateRow) Snapshot() (map[string]any, error) {
	if r.SnapshotContent == nil {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*r.SnapshotContent), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// VersionDescriptor is the snapshot of a lix_version_descriptor change.
type VersionDescriptor struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	WorkingChangeSetID    string  `json:"working_change_set_id"`
	InheritsFromVersionID *string `json:"inherits_from_version_id"`
}

// VersionTip is the snapshot of a lix_version_tip change.
type VersionTip struct {
	ID       string `json:"id"`
	CommitID string `json:"commit_id"`
}

// CommitSnapshot is the snapshot of a lix_commit change.
type CommitSnapshot struct {
	ID               string   `json:"id"`
	ChangeSetID      string   `json:"change_set_id"`
	ParentCommitIDs  []string `json:"parent_commit_ids"`
	ChangeIDs        []string `json:"change_ids"`
	MetaChangeIDs    []string `json:"meta_change_ids"`
	AuthorAccountIDs []string `json:"author_account_ids"`
}

// ChangeSetSnapshot is the snapshot of a lix_change_set change.
type ChangeSetSnapshot struct {
	ID string `json:"id"`
}

// ChangeSetLabelSnapshot is the snapshot of a lix_change_set_label change.
type ChangeSetLabelSnapshot struct {
	ChangeSetID string `json:"change_set_id"`
	LabelID     string `json:"label_id"`
}
