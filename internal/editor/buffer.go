// Package editor is an in-memory editing surface: a text buffer addressed by 1-based
// line/column positions that applies edit batches and reports content and cursor changes.
package editor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xiaot623/coderoom/internal/protocol"
)

// ErrOverlappingEdits is returned when two ranges of one batch intersect.
var ErrOverlappingEdits = errors.New("overlapping ranges are not allowed")

// Position is a 1-based cursor position.
type Position struct {
	LineNumber int
	Column     int
}

// ContentChangeEvent describes one applied batch. RangeOffset and RangeLength of
// each change are filled in, in pre-batch coordinates.
type ContentChangeEvent struct {
	Changes []protocol.Change
	Flush   bool // the whole buffer was replaced
}

// CursorChangeEvent reports a new cursor position.
type CursorChangeEvent struct {
	Position Position
	// Edit is set when the cursor moved because content changed under it.
	Edit bool
}

// Disposable removes a registration.
type Disposable interface {
	Dispose()
}

// Buffer is safe for concurrent use. Listeners run synchronously on the goroutine
// that mutated the buffer, after the mutation, without internal locks held.
type Buffer struct {
	mu      sync.Mutex
	text    []rune
	cursor  int // rune offset
	nextID  int
	content map[int]func(ContentChangeEvent)
	cursors map[int]func(CursorChangeEvent)
}

// NewBuffer creates a buffer holding text with the cursor at 1:1.
func NewBuffer(text string) *Buffer {
	return &Buffer{
		text:    []rune(text),
		content: make(map[int]func(ContentChangeEvent)),
		cursors: make(map[int]func(CursorChangeEvent)),
	}
}

// Value returns the full text.
func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.text)
}

// LineCount returns the number of lines.
func (b *Buffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(lineStarts(b.text))
}

// Cursor returns the cursor position.
func (b *Buffer) Cursor() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return positionAt(b.text, b.cursor)
}

// SetValue replaces the whole buffer and resets the cursor to 1:1.
func (b *Buffer) SetValue(text string) {
	b.mu.Lock()
	old := b.text
	full := protocol.Change{
		Range:       rangeOf(old, 0, len(old)),
		RangeOffset: 0,
		RangeLength: len(old),
		Text:        text,
	}
	b.text = []rune(text)
	moved := b.cursor != 0
	b.cursor = 0
	content, cursors := b.listeners()
	b.mu.Unlock()

	emitContent(content, ContentChangeEvent{Changes: []protocol.Change{full}, Flush: true})
	if moved {
		emitCursor(cursors, CursorChangeEvent{Position: Position{1, 1}, Edit: true})
	}
}

// ApplyEdits applies a batch whose ranges are all expressed in the coordinates of the
// buffer before the batch. Positions past the end of a line or of the buffer are
// clamped. The batch is rejected as a whole if any two ranges overlap.
func (b *Buffer) ApplyEdits(changes []protocol.Change) error {
	if len(changes) == 0 {
		return nil
	}

	b.mu.Lock()
	type span struct {
		start, end int
		change     protocol.Change
	}
	starts := lineStarts(b.text)
	spans := make([]span, 0, len(changes))
	for i, c := range changes {
		if !c.Range.Valid() {
			b.mu.Unlock()
			return fmt.Errorf("change %d: invalid range %+v", i, c.Range)
		}
		start := offsetAt(b.text, starts, c.Range.StartLineNumber, c.Range.StartColumn)
		end := offsetAt(b.text, starts, c.Range.EndLineNumber, c.Range.EndColumn)
		if end < start {
			start, end = end, start
		}
		c.RangeOffset = start
		c.RangeLength = end - start
		spans = append(spans, span{start: start, end: end, change: c})
	}

	sorted := make([]span, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].start < sorted[i-1].end {
			b.mu.Unlock()
			return ErrOverlappingEdits
		}
	}

	var out []rune
	prev := 0
	cursor := b.cursor
	newCursor := cursor
	for _, s := range sorted {
		out = append(out, b.text[prev:s.start]...)
		out = append(out, []rune(s.change.Text)...)
		prev = s.end

		inserted := len([]rune(s.change.Text))
		// An insertion exactly at the cursor leaves the cursor before it.
		switch {
		case s.end <= cursor && !(s.start == s.end && s.start == cursor):
			newCursor += inserted - (s.end - s.start)
		case s.start < cursor && cursor < s.end:
			newCursor += s.start + inserted - cursor
		}
	}
	out = append(out, b.text[prev:]...)

	b.text = out
	moved := newCursor != b.cursor
	b.cursor = newCursor
	pos := positionAt(b.text, b.cursor)

	applied := make([]protocol.Change, len(spans))
	for i, s := range spans {
		applied[i] = s.change
	}
	content, cursors := b.listeners()
	b.mu.Unlock()

	emitContent(content, ContentChangeEvent{Changes: applied})
	if moved {
		emitCursor(cursors, CursorChangeEvent{Position: pos, Edit: true})
	}
	return nil
}

// Type inserts text at the cursor and moves the cursor after it, as a user typing would.
func (b *Buffer) Type(text string) error {
	pos := b.Cursor()
	r := protocol.Range{
		StartLineNumber: pos.LineNumber,
		StartColumn:     pos.Column,
		EndLineNumber:   pos.LineNumber,
		EndColumn:       pos.Column,
	}
	if err := b.ApplyEdits([]protocol.Change{{Range: r, Text: text}}); err != nil {
		return err
	}
	// A pure insertion at the cursor leaves it in place, so advance it explicitly.
	b.mu.Lock()
	offset := offsetAt(b.text, lineStarts(b.text), pos.LineNumber, pos.Column) + len([]rune(text))
	b.mu.Unlock()
	b.moveTo(offset)
	return nil
}

// SetCursor moves the cursor, clamping to the buffer.
func (b *Buffer) SetCursor(pos Position) {
	b.mu.Lock()
	offset := offsetAt(b.text, lineStarts(b.text), max(pos.LineNumber, 1), max(pos.Column, 1))
	b.mu.Unlock()
	b.moveTo(offset)
}

func (b *Buffer) moveTo(offset int) {
	b.mu.Lock()
	if offset == b.cursor {
		b.mu.Unlock()
		return
	}
	b.cursor = offset
	pos := positionAt(b.text, offset)
	_, cursors := b.listeners()
	b.mu.Unlock()

	emitCursor(cursors, CursorChangeEvent{Position: pos})
}

// OnDidChangeContent registers fn for content changes.
func (b *Buffer) OnDidChangeContent(fn func(ContentChangeEvent)) Disposable {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.content[id] = fn
	return &registration{dispose: func() {
		b.mu.Lock()
		delete(b.content, id)
		b.mu.Unlock()
	}}
}

// OnDidChangeCursorPosition registers fn for cursor moves.
func (b *Buffer) OnDidChangeCursorPosition(fn func(CursorChangeEvent)) Disposable {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.cursors[id] = fn
	return &registration{dispose: func() {
		b.mu.Lock()
		delete(b.cursors, id)
		b.mu.Unlock()
	}}
}

// listeners snapshots the registered callbacks in registration order. Callers hold mu.
func (b *Buffer) listeners() ([]func(ContentChangeEvent), []func(CursorChangeEvent)) {
	content := make([]func(ContentChangeEvent), 0, len(b.content))
	for _, id := range sortedKeys(b.content) {
		content = append(content, b.content[id])
	}
	cursors := make([]func(CursorChangeEvent), 0, len(b.cursors))
	for _, id := range sortedKeys(b.cursors) {
		cursors = append(cursors, b.cursors[id])
	}
	return content, cursors
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func emitContent(fns []func(ContentChangeEvent), ev ContentChangeEvent) {
	for _, fn := range fns {
		fn(ev)
	}
}

func emitCursor(fns []func(CursorChangeEvent), ev CursorChangeEvent) {
	for _, fn := range fns {
		fn(ev)
	}
}

type registration struct {
	once    sync.Once
	dispose func()
}

func (r *registration) Dispose() {
	r.once.Do(r.dispose)
}

// lineStarts returns the rune offset at which each line begins.
func lineStarts(text []rune) []int {
	starts := []int{0}
	for i, r := range text {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// offsetAt converts a position to a rune offset, clamping out-of-range positions.
func offsetAt(text []rune, starts []int, line, column int) int {
	if line > len(starts) {
		return len(text)
	}
	start := starts[line-1]
	end := len(text)
	if line < len(starts) {
		end = starts[line] - 1 // exclude the newline
	}
	offset := start + column - 1
	if offset > end {
		offset = end
	}
	return offset
}

func positionAt(text []rune, offset int) Position {
	line, col := 1, 1
	for _, r := range text[:offset] {
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return Position{LineNumber: line, Column: col}
}

func rangeOf(text []rune, start, end int) protocol.Range {
	s := positionAt(text, start)
	e := positionAt(text, end)
	return protocol.Range{
		StartLineNumber: s.LineNumber,
		StartColumn:     s.Column,
		EndLineNumber:   e.LineNumber,
		EndColumn:       e.Column,
	}
}

// String renders the buffer with a caret at the cursor, for debugging.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.WriteString(string(b.text[:b.cursor]))
	sb.WriteRune('|')
	sb.WriteString(string(b.text[b.cursor:]))
	return sb.String()
}
