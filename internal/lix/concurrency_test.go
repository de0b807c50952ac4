package lix

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/onsi/gomega"

	"lix/internal/config"
)

func sqliteSettings() *config.Settings {
	s := config.DefaultSettings()
	s.Driver = config.DriverSQLite
	return &s
}

func TestIndependentEnginesDoNotInterfere(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	dir := t.TempDir()

	engines := []*Lix{
		createAt(t, filepath.Join(dir, "one.lix"), sqliteSettings()),
		createAt(t, filepath.Join(dir, "two.lix"), sqliteSettings()),
	}

	const writes = 20
	var wg sync.WaitGroup
	errs := make([]error, len(engines))
	for i, l := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < writes; n++ {
				if _, err := l.Exec(ctx, `INSERT INTO key_value (key, value) VALUES (?, ?)`, fmt.Sprintf("k%02d", n), fmt.Sprintf("engine-%d", i)); err != nil {
					errs[i] = err
					return
				}
			}
		}()
	}
	wg.Wait()

	for i, l := range engines {
		g.Expect(errs[i]).NotTo(HaveOccurred())
		res, err := l.Query(ctx, `SELECT DISTINCT value FROM key_value`)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Rows).To(ConsistOf([]any{fmt.Sprintf("engine-%d", i)}))

		count, err := l.Query(ctx, `SELECT COUNT(*) FROM key_value`)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(count.Rows[0][0]).To(BeEquivalentTo(writes))
	}
}

func TestWritersOnOneEngineAreSerialized(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	l := createAt(t, filepath.Join(t.TempDir(), "shared.lix"), sqliteSettings())

	const workers, writes = 4, 10
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < writes; n++ {
				if _, err := l.Exec(ctx, `INSERT INTO key_value (key, value) VALUES (?, ?)`, fmt.Sprintf("w%d-%02d", w, n), "v"); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var failures []error
	for err := range errCh {
		failures = append(failures, err)
	}
	g.Expect(failures).To(BeEmpty())

	count, err := l.Query(ctx, `SELECT COUNT(*) FROM key_value`)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(count.Rows[0][0]).To(BeEquivalentTo(workers * writes))

	history, err := l.History(ctx, "", 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(history).To(HaveLen(workers*writes + 1))
}

func TestTwoHandlesOnOneFile(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "handles.lix")
	first := createAt(t, path, sqliteSettings())

	opts := testOptions(sqliteSettings())
	opts.NewID = newUUID
	second, err := Open(ctx, path, opts)
	g.Expect(err).NotTo(HaveOccurred())
	defer second.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, l := range []*Lix{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 5; n++ {
				if _, err := l.Exec(ctx, `INSERT INTO key_value (key, value) VALUES (?, ?)`, fmt.Sprintf("h%d-%d", i, n), "v"); err != nil {
					errs[i] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	g.Expect(errs).To(HaveEach(BeNil()))

	count, err := first.Query(ctx, `SELECT COUNT(*) FROM key_value`)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(count.Rows[0][0]).To(BeEquivalentTo(10))
}
