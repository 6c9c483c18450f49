package window

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/pulse/internal/core"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration, sender core.Sender) core.Message {
	return core.Message{
		ID:             id,
		ConversationID: "conv",
		Sender:         sender,
		Text:           "hello " + id,
		Timestamp:      base.Add(offset),
	}
}

func ids(w Window) []string {
	out := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.ID
	}
	return out
}

func TestAppend_CreatesConversation(t *testing.T) {
	m := NewManager(DefaultOptions())

	_, ok := m.Window("conv")
	assert.False(t, ok)

	res, err := m.Append(msg("m1", 0, core.SenderSelf))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Window.Len())
	assert.Equal(t, uint64(1), res.Window.Version)
	assert.Equal(t, 1, res.Window.Total)

	assert.Equal(t, []string{"conv"}, m.Conversations())
}

func TestAppend_Validation(t *testing.T) {
	m := NewManager(DefaultOptions())

	tests := []struct {
		name   string
		mutate func(*core.Message)
		want   error
	}{
		{"no conversation", func(m *core.Message) { m.ConversationID = "" }, core.ErrMissingRequired},
		{"no id", func(m *core.Message) { m.ID = "" }, core.ErrMissingRequired},
		{"zero timestamp", func(m *core.Message) { m.Timestamp = time.Time{} }, core.ErrMissingRequired},
		{"bad sender", func(m *core.Message) { m.Sender = "bot" }, core.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := msg("m1", 0, core.SenderSelf)
			tt.mutate(&in)
			_, err := m.Append(in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAppend_OutOfOrderIsSorted(t *testing.T) {
	m := NewManager(DefaultOptions())

	m.Append(msg("a", 0, core.SenderSelf))
	m.Append(msg("c", 2*time.Minute, core.SenderOther))
	res, err := m.Append(msg("b", time.Minute, core.SenderSelf))
	require.NoError(t, err)

	assert.True(t, res.Reordered)
	assert.True(t, res.Window.OutOfOrder)
	assert.Equal(t, []string{"a", "b", "c"}, ids(res.Window))
}

func TestAppend_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	m := NewManager(DefaultOptions())

	m.Append(msg("a", time.Minute, core.SenderSelf))
	m.Append(msg("b", time.Minute, core.SenderOther))
	m.Append(msg("c", 2*time.Minute, core.SenderOther))
	res, _ := m.Append(msg("d", time.Minute, core.SenderSelf))

	assert.Equal(t, []string{"a", "b", "d", "c"}, ids(res.Window))
}

func TestAppend_DuplicateIgnored(t *testing.T) {
	m := NewManager(DefaultOptions())

	m.Append(msg("a", 0, core.SenderSelf))
	res, err := m.Append(msg("a", time.Hour, core.SenderOther))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, uint64(1), res.Window.Version)
	assert.Equal(t, 1, res.Window.Len())
}

func TestAppend_EvictsByCount(t *testing.T) {
	m := NewManager(Options{MaxMessages: 3})

	var res AppendResult
	for i := 0; i < 5; i++ {
		res, _ = m.Append(msg(fmt.Sprintf("m%d", i), time.Duration(i)*time.Minute, core.SenderSelf))
	}

	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(res.Window))
	assert.Equal(t, 5, res.Window.Total)
	assert.Equal(t, uint64(5), res.Window.Version)
}

func TestAppend_EvictsByAgeFromNewestMessage(t *testing.T) {
	m := NewManager(Options{MaxMessages: 100, MaxAge: 24 * time.Hour})

	m.Append(msg("old", 0, core.SenderSelf))
	m.Append(msg("mid", 20*time.Hour, core.SenderOther))
	res, _ := m.Append(msg("new", 30*time.Hour, core.SenderSelf))

	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, []string{"mid", "new"}, ids(res.Window))
}

func TestAppend_AgeEvictionKeepsNewest(t *testing.T) {
	m := NewManager(Options{MaxMessages: 10, MaxAge: time.Hour})

	m.Append(msg("new", 10*time.Hour, core.SenderSelf))
	// A very late straggler sorts to the front and is evicted immediately
	res, _ := m.Append(msg("ancient", 0, core.SenderOther))

	assert.Equal(t, []string{"new"}, ids(res.Window))
}

func TestWindow_IsSnapshot(t *testing.T) {
	m := NewManager(DefaultOptions())
	in := msg("a", 0, core.SenderSelf)
	in.Reactions = []string{"👍"}
	m.Append(in)

	snap, ok := m.Window("conv")
	require.True(t, ok)
	snap.Messages[0].Reactions[0] = "changed"
	snap.Messages[0].Text = "changed"

	m.Append(msg("b", time.Minute, core.SenderOther))

	again, _ := m.Window("conv")
	assert.Equal(t, "👍", again.Messages[0].Reactions[0])
	assert.Equal(t, "hello a", again.Messages[0].Text)
	assert.Equal(t, 1, snap.Len())
}

func TestRemoveAndReplace(t *testing.T) {
	m := NewManager(DefaultOptions())
	m.Append(msg("a", 0, core.SenderSelf))
	m.Append(msg("b", time.Minute, core.SenderOther))

	edited := msg("a", time.Hour, core.SenderSelf)
	edited.Text = "edited"
	w, err := m.Replace(edited)
	require.NoError(t, err)
	assert.Equal(t, "edited", w.Messages[0].Text)
	assert.Equal(t, base, w.Messages[0].Timestamp)
	assert.Equal(t, uint64(3), w.Version)

	w, err = m.Remove("conv", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(w))
	assert.Equal(t, 2, w.Total)

	_, err = m.Remove("conv", "zzz")
	assert.ErrorIs(t, err, core.ErrMessageNotFound)
	_, err = m.Remove("nope", "a")
	assert.ErrorIs(t, err, core.ErrConversationNotFound)

	got, ok := m.Message("conv", "a")
	assert.True(t, ok)
	assert.Equal(t, "edited", got.Text)
}

func TestDrop(t *testing.T) {
	m := NewManager(DefaultOptions())
	m.Append(msg("a", 0, core.SenderSelf))
	m.Drop("conv")

	_, ok := m.Window("conv")
	assert.False(t, ok)
	assert.Empty(t, m.Conversations())
}

func TestTailAndLast(t *testing.T) {
	m := NewManager(DefaultOptions())
	for i := 0; i < 4; i++ {
		m.Append(msg(fmt.Sprintf("m%d", i), time.Duration(i)*time.Minute, core.SenderSelf))
	}
	w, _ := m.Window("conv")

	assert.Len(t, w.Tail(2), 2)
	assert.Equal(t, "m2", w.Tail(2)[0].ID)
	assert.Len(t, w.Tail(10), 4)
	last, ok := w.Last()
	assert.True(t, ok)
	assert.Equal(t, "m3", last.ID)
	assert.True(t, w.Contains("m1"))

	_, ok = Window{}.Last()
	assert.False(t, ok)
}

func TestAppend_Concurrent(t *testing.T) {
	m := NewManager(Options{MaxMessages: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Append(msg(fmt.Sprintf("m%02d", n), time.Duration(n)*time.Second, core.SenderSelf))
			m.Window("conv")
		}(i)
	}
	wg.Wait()

	w, _ := m.Window("conv")
	assert.Equal(t, 50, w.Len())
	for i := 1; i < w.Len(); i++ {
		assert.False(t, w.Messages[i].Timestamp.Before(w.Messages[i-1].Timestamp))
	}
}
