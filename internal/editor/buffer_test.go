package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/coderoom/internal/protocol"
)

func change(sl, sc, el, ec int, text string) protocol.Change {
	return protocol.Change{
		Range: protocol.Range{StartLineNumber: sl, StartColumn: sc, EndLineNumber: el, EndColumn: ec},
		Text:  text,
	}
}

func TestApplyEditsInsertIntoEmpty(t *testing.T) {
	b := NewBuffer("")
	require.NoError(t, b.ApplyEdits([]protocol.Change{change(1, 1, 1, 1, "x")}))
	assert.Equal(t, "x", b.Value())
}

func TestApplyEditsUsesPreBatchCoordinates(t *testing.T) {
	b := NewBuffer("abc\ndef")

	// Both ranges refer to the original text: replace "a" with "XX" and "e" with "Y".
	err := b.ApplyEdits([]protocol.Change{
		change(1, 1, 1, 2, "XX"),
		change(2, 2, 2, 3, "Y"),
	})
	require.NoError(t, err)
	assert.Equal(t, "XXbc\ndYf", b.Value())
}

func TestApplyEditsOrderIndependent(t *testing.T) {
	a := NewBuffer("hello world")
	b := NewBuffer("hello world")

	first := change(1, 1, 1, 6, "goodbye")
	second := change(1, 7, 1, 12, "moon")
	require.NoError(t, a.ApplyEdits([]protocol.Change{first, second}))
	require.NoError(t, b.ApplyEdits([]protocol.Change{second, first}))
	assert.Equal(t, "goodbye moon", a.Value())
	assert.Equal(t, a.Value(), b.Value())
}

func TestApplyEditsMultiline(t *testing.T) {
	b := NewBuffer("one\ntwo\nthree")
	require.NoError(t, b.ApplyEdits([]protocol.Change{change(1, 4, 3, 1, " ")}))
	assert.Equal(t, "one three", b.Value())
	assert.Equal(t, 1, b.LineCount())
}

func TestApplyEditsClampsPastEnd(t *testing.T) {
	b := NewBuffer("ab")
	require.NoError(t, b.ApplyEdits([]protocol.Change{change(1, 99, 5, 1, "!")}))
	assert.Equal(t, "ab!", b.Value())
}

func TestApplyEditsRejectsOverlap(t *testing.T) {
	b := NewBuffer("abcdef")
	err := b.ApplyEdits([]protocol.Change{change(1, 1, 1, 4, "x"), change(1, 3, 1, 5, "y")})
	assert.ErrorIs(t, err, ErrOverlappingEdits)
	assert.Equal(t, "abcdef", b.Value())
}

func TestApplyEditsReportsOffsets(t *testing.T) {
	b := NewBuffer("abc\ndef")
	var got ContentChangeEvent
	b.OnDidChangeContent(func(ev ContentChangeEvent) { got = ev })

	require.NoError(t, b.ApplyEdits([]protocol.Change{change(2, 1, 2, 3, "")}))
	require.Len(t, got.Changes, 1)
	assert.Equal(t, 4, got.Changes[0].RangeOffset)
	assert.Equal(t, 2, got.Changes[0].RangeLength)
	assert.False(t, got.Flush)
}

func TestCursorShiftsWithRemoteEdits(t *testing.T) {
	b := NewBuffer("hello")
	b.SetCursor(Position{1, 4})

	var moves []CursorChangeEvent
	b.OnDidChangeCursorPosition(func(ev CursorChangeEvent) { moves = append(moves, ev) })

	require.NoError(t, b.ApplyEdits([]protocol.Change{change(1, 1, 1, 1, ">>")}))
	assert.Equal(t, Position{1, 6}, b.Cursor())
	require.Len(t, moves, 1)
	assert.True(t, moves[0].Edit)

	// Insertion exactly at the cursor does not move it.
	require.NoError(t, b.ApplyEdits([]protocol.Change{change(1, 6, 1, 6, "__")}))
	assert.Equal(t, Position{1, 6}, b.Cursor())
	assert.Len(t, moves, 1)
}

func TestTypeAdvancesCursor(t *testing.T) {
	b := NewBuffer("")
	var contents int
	b.OnDidChangeContent(func(ContentChangeEvent) { contents++ })

	require.NoError(t, b.Type("hi"))
	require.NoError(t, b.Type("\nthere"))
	assert.Equal(t, "hi\nthere", b.Value())
	assert.Equal(t, Position{2, 6}, b.Cursor())
	assert.Equal(t, 2, contents)
}

func TestSetValueFlushes(t *testing.T) {
	b := NewBuffer("old\ntext")
	b.SetCursor(Position{2, 2})

	var ev ContentChangeEvent
	b.OnDidChangeContent(func(e ContentChangeEvent) { ev = e })
	b.SetValue("new")

	assert.Equal(t, "new", b.Value())
	assert.True(t, ev.Flush)
	require.Len(t, ev.Changes, 1)
	assert.Equal(t, protocol.Range{StartLineNumber: 1, StartColumn: 1, EndLineNumber: 2, EndColumn: 5}, ev.Changes[0].Range)
	assert.Equal(t, Position{1, 1}, b.Cursor())
}

func TestDisposeStopsNotifications(t *testing.T) {
	b := NewBuffer("")
	calls := 0
	d := b.OnDidChangeContent(func(ContentChangeEvent) { calls++ })

	b.SetValue("a")
	d.Dispose()
	d.Dispose()
	b.SetValue("b")
	assert.Equal(t, 1, calls)
}

func TestSetCursorClamps(t *testing.T) {
	b := NewBuffer("ab\nc")
	b.SetCursor(Position{9, 9})
	assert.Equal(t, Position{2, 2}, b.Cursor())
	b.SetCursor(Position{0, 0})
	assert.Equal(t, Position{1, 1}, b.Cursor())
	assert.Equal(t, "|ab\nc", b.String())
}
