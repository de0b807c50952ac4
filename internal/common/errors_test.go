package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrVersionExists,
		ErrSchemaNotFound,
		ErrInvalidSchema,
		ErrInvalidSnapshot,
		ErrDuplicateChangeID,
		ErrInheritanceCycle,
		ErrReadOnlyView,
		ErrUnsupportedStatement,
		ErrInvalidPattern,
		ErrOutdirIsProjectRoot,
		ErrNothingToCheckpoint,
		ErrGlobalVersion,
		ErrVersionInUse,
		ErrPluginCapability,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestTypedErrorsUnwrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		target func(error) bool
		want   string
	}{
		{
			name: "mutated",
			err:  &ChangeHasBeenMutatedError{ChangeID: "c1"},
			target: func(err error) bool {
				var e *ChangeHasBeenMutatedError
				return errors.As(err, &e) && e.ChangeID == "c1"
			},
			want: "change c1 has been mutated: stored content differs",
		},
		{
			name: "not direct child",
			err:  &ChangeNotDirectChildOfConflictError{ChangeID: "c3", ParentID: "x", ConflictChangeID: "c1", ConflictingChangeID: "c2"},
			target: func(err error) bool {
				var e *ChangeNotDirectChildOfConflictError
				return errors.As(err, &e) && e.ParentID == "x"
			},
			want: `change c3 (parent "x") is not a direct child of conflict c1/c2`,
		},
		{
			name: "wrong file",
			err:  &ChangeDoesNotBelongToFileError{ChangeID: "c3", FileID: "f2", ExpectedFileID: "f1"},
			target: func(err error) bool {
				var e *ChangeDoesNotBelongToFileError
				return errors.As(err, &e) && e.ExpectedFileID == "f1"
			},
			want: `change c3 belongs to file "f2", conflict is on file "f1"`,
		},
		{
			name: "plugin change count",
			err:  &PluginChangeCountError{PluginKey: "text", FileID: "f1", Got: 2, Want: 1},
			target: func(err error) bool {
				var e *PluginChangeCountError
				return errors.As(err, &e) && e.Got == 2
			},
			want: `plugin text: file "f1" expects exactly 1 change(s), got 2`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
			wrapped := fmt.Errorf("resolve conflict: %w", tt.err)
			assert.True(t, tt.target(wrapped), "wrapped error should be matched by errors.As")
		})
	}
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("string concatenation does not wrap", func(t *testing.T) {
		t.Parallel()
		wrappedErr := errors.New("wrapped: " + ErrNotFound.Error())
		assert.False(t, errors.Is(wrappedErr, ErrNotFound))
	})

	t.Run("fmt wrapping matches", func(t *testing.T) {
		t.Parallel()
		wrappedErr := fmt.Errorf("version %q: %w", "main", ErrNotFound)
		assert.ErrorIs(t, wrappedErr, ErrNotFound)
	})
}
