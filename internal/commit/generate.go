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

// Package commit turns staged domain changes into commits. Generate is
// pure: it touches no storage and, given the same id sequence, produces the
// same output.
package commit

import (
	"encoding/json"
	"fmt"
	"sort"

	"lix/internal/common"
	"lix/internal/storage"
)

// MetaSchemaVersion is the schema_version of generated meta changes.
const MetaSchemaVersion = "1.0"

// StagedChange is a domain change bound to the version it was staged in.
type StagedChange struct {
	VersionID string
	Change    *storage.Change
}

// VersionInfo is what the generator needs to know about a version.
type VersionInfo struct {
	ParentCommitIDs []string
	// ParentGeneration is the highest generation among the parents.
	ParentGeneration int64
}

// Input to Generate.
type Input struct {
	Timestamp      string
	ActiveAccounts []string
	Changes        []StagedChange
	Versions       map[string]VersionInfo
	NewID          func() string
}

// VersionCommit is the commit generated for one version.
type VersionCommit struct {
	VersionID      string
	Commit         *storage.Commit
	ChangeSet      *storage.ChangeSet
	Edges          []*storage.CommitEdge
	Elements       []*storage.ChangeSetElement
	DomainChanges  []*storage.Change
	TipChange      *storage.Change
	CommitChange   *storage.Change
	ChangeSetEntry *storage.Change
}

// Result of Generate. Commits are ordered by version id.
type Result struct {
	Commits []*VersionCommit
}

// MetaChanges returns every generated meta change in generation order.
func (r *Result) MetaChanges() []*storage.Change {
	var out []*storage.Change
	for _, vc := range r.Commits {
		out = append(out, vc.TipChange, vc.CommitChange, vc.ChangeSetEntry)
	}
	return out
}

// Generate builds one commit per version that has at least one staged
// domain change.
func Generate(in Input) (*Result, error) {
	if in.NewID == nil {
		return nil, fmt.Errorf("commit: NewID is required")
	}

	seen := make(map[string]bool, len(in.Changes))
	byVersion := make(map[string][]*storage.Change)
	for _, sc := range in.Changes {
		if sc.Change == nil {
			continue
		}
		if seen[sc.Change.ID] {
			return nil, fmt.Errorf("%w: %s", common.ErrDuplicateChangeID, sc.Change.ID)
		}
		seen[sc.Change.ID] = true
		if storage.IsMetaSchema(sc.Change.SchemaKey) {
			return nil, fmt.Errorf("commit: meta change %s (%s) cannot be staged as a domain change", sc.Change.ID, sc.Change.SchemaKey)
		}
		byVersion[sc.VersionID] = append(byVersion[sc.VersionID], sc.Change)
	}

	versionIDs := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versionIDs = append(versionIDs, v)
	}
	sort.Strings(versionIDs)

	accounts := nonNil(in.ActiveAccounts)
	res := &Result{}
	for _, versionID := range versionIDs {
		info, ok := in.Versions[versionID]
		if !ok {
			return nil, fmt.Errorf("commit: version %s: %w", versionID, common.ErrNotFound)
		}
		vc, err := generateVersion(in, versionID, info, byVersion[versionID], accounts)
		if err != nil {
			return nil, err
		}
		res.Commits = append(res.Commits, vc)
	}
	return res, nil
}

func generateVersion(in Input, versionID string, info VersionInfo, changes []*storage.Change, accounts []string) (*VersionCommit, error) {
	changeSetID := in.NewID()
	commitID := in.NewID()
	tipChangeID := in.NewID()
	commitChangeID := in.NewID()
	changeSetChangeID := in.NewID()

	parents := nonNil(info.ParentCommitIDs)
	domainIDs := make([]string, 0, len(changes))
	elements := make([]*storage.ChangeSetElement, 0, len(changes))
	for _, c := range changes {
		domainIDs = append(domainIDs, c.ID)
		elements = append(elements, &storage.ChangeSetElement{
			ChangeSetID: changeSetID,
			ChangeID:    c.ID,
			EntityID:    c.EntityID,
			SchemaKey:   c.SchemaKey,
			FileID:      c.FileID,
		})
	}

	tip, err := metaChange(tipChangeID, versionID, storage.SchemaVersionTip, in.Timestamp,
		storage.VersionTip{ID: versionID, CommitID: commitID})
	if err != nil {
		return nil, err
	}
	metaIDs := []string{tip.ID}

	commitChange, err := metaChange(commitChangeID, commitID, storage.SchemaCommit, in.Timestamp, storage.CommitSnapshot{
		ID:               commitID,
		ChangeSetID:      changeSetID,
		ParentCommitIDs:  parents,
		ChangeIDs:        domainIDs,
		MetaChangeIDs:    metaIDs,
		AuthorAccountIDs: accounts,
	})
	if err != nil {
		return nil, err
	}

	csChange, err := metaChange(changeSetChangeID, changeSetID, storage.SchemaChangeSet, in.Timestamp,
		storage.ChangeSetSnapshot{ID: changeSetID})
	if err != nil {
		return nil, err
	}

	edges := make([]*storage.CommitEdge, 0, len(parents))
	for _, p := range parents {
		edges = append(edges, &storage.CommitEdge{ParentID: p, ChildID: commitID})
	}

	return &VersionCommit{
		VersionID: versionID,
		Commit: &storage.Commit{
			ID:               commitID,
			ChangeSetID:      changeSetID,
			ParentCommitIDs:  parents,
			ChangeIDs:        domainIDs,
			MetaChangeIDs:    metaIDs,
			AuthorAccountIDs: accounts,
			Generation:       info.ParentGeneration + 1,
			CreatedAt:        in.Timestamp,
		},
		ChangeSet:      &storage.ChangeSet{ID: changeSetID},
		Edges:          edges,
		Elements:       elements,
		DomainChanges:  changes,
		TipChange:      tip,
		CommitChange:   commitChange,
		ChangeSetEntry: csChange,
	}, nil
}

func metaChange(id, entityID, schemaKey, ts string, snapshot any) (*storage.Change, error) {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("commit: encode %s: %w", schemaKey, err)
	}
	content := string(b)
	return &storage.Change{
		ID:              id,
		EntityID:        entityID,
		SchemaKey:       schemaKey,
		SchemaVersion:   MetaSchemaVersion,
		FileID:          storage.NoFileID,
		PluginKey:       storage.MetaPluginKey,
		SnapshotContent: &content,
		CreatedAt:       ts,
	}, nil
}

// MetaChange builds an engine-generated change; exported for the version
// descriptor and label changes written outside Generate.
func MetaChange(id, entityID, schemaKey, ts string, snapshot any) (*storage.Change, error) {
	return metaChange(id, entityID, schemaKey, ts, snapshot)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}
