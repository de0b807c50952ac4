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
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/uptrace/bun"
)

// BenchmarkChangeInsert profiles appending one change plus its element and
// cache row in a single transaction (the per-entity cost of a commit).
func BenchmarkChangeInsert(b *testing.B) {
	tmpDir := b.TempDir()
	path := filepath.Join(tmpDir, "bench.lix")

	s, err := Create(path, Options{})
	if err != nil {
		b.Fatalf("Create failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	db := s.BunDB()
	if err := db.EnsureCacheTableWith(db.DB, ctx, SchemaKeyValue); err != nil {
		b.Fatalf("EnsureCacheTable failed: %v", err)
	}
	if err := db.InsertChangeSetWith(db.DB, ctx, &ChangeSet{ID: "cs"}); err != nil {
		b.Fatalf("InsertChangeSet failed: %v", err)
	}

	var txTime, insertTime time.Duration
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		err := s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			t0 := time.Now()
			id := fmt.Sprintf("c%d", i)
			content := fmt.Sprintf(`{"key":"k%d","value":%d}`, i, i)
			c := &Change{ID: id, EntityID: fmt.Sprintf("k%d", i), SchemaKey: SchemaKeyValue, SchemaVersion: "1.0",
				FileID: NoFileID, PluginKey: MetaPluginKey, SnapshotContent: &content, CreatedAt: "2024-01-01T00:00:00Z"}
			if err := db.InsertChangesWith(tx, ctx, []*Change{c}); err != nil {
				return err
			}
			if err := db.UpsertElementsWith(tx, ctx, []*ChangeSetElement{{ChangeSetID: "cs", ChangeID: id, EntityID: c.EntityID, SchemaKey: c.SchemaKey, FileID: c.FileID}}); err != nil {
				return err
			}
			if err := db.UpsertCacheRowWith(tx, ctx, &StateRow{EntityID: c.EntityID, SchemaKey: c.SchemaKey, FileID: c.FileID,
				VersionID: "v", PluginKey: c.PluginKey, SchemaVersion: c.SchemaVersion, SnapshotContent: &content,
				ChangeID: id, CommitID: "cm", CreatedAt: c.CreatedAt, UpdatedAt: c.CreatedAt}); err != nil {
				return err
			}
			insertTime += time.Since(t0)
			return nil
		})
		if err != nil {
			b.Fatalf("insert failed: %v", err)
		}
		txTime += time.Since(start)
	}
	b.StopTimer()

	if b.N > 0 {
		b.ReportMetric(float64(insertTime.Microseconds())/float64(b.N), "insert-us/op")
		b.ReportMetric(float64((txTime-insertTime).Microseconds())/float64(b.N), "txoverhead-us/op")
	}
}
