package sequence

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Single digit run", func(t *testing.T) {
		s := Parse("img5.jpg")

		assert.Equal(t, "img{{1}}.jpg", s.Template())
		items := s.Items()
		require.Len(t, items, 1)
		assert.Equal(t, "1", items[0].Key)
		assert.Equal(t, 1, items[0].Level)
		assert.Equal(t, int64(5), items[0].Value)
		assert.Equal(t, int64(0), items[0].From)
		assert.Equal(t, int64(9), items[0].To)
		assert.Equal(t, int64(1), items[0].Step)
		assert.Equal(t, 1, items[0].Width)
		assert.True(t, items[0].Carry)

		assert.Equal(t, "img5.jpg", s.Render())
	})

	t.Run("Levels are assigned in reverse order", func(t *testing.T) {
		s := Parse("http://host/2019/album07/page003.jpg")

		assert.Equal(t, "http://host/{{1}}/album{{2}}/page{{3}}.jpg", s.Template())
		items := s.Items()
		require.Len(t, items, 3)
		assert.Equal(t, []int{3, 2, 1}, []int{items[0].Level, items[1].Level, items[2].Level})
		assert.Equal(t, int64(9999), items[0].To)
		assert.Equal(t, int64(99), items[1].To)
		assert.Equal(t, 3, items[2].Width)
		assert.Equal(t, "http://host/2019/album07/page003.jpg", s.Render())
	})

	t.Run("Long digit runs are capped", func(t *testing.T) {
		s := Parse("http://h/" + strings.Repeat("1", 20))
		items := s.Items()
		require.Len(t, items, 1)
		assert.Equal(t, int64(999999999999), items[0].To)
		assert.Equal(t, 20, items[0].Width)
		assert.Equal(t, items[0].To, items[0].Value)
	})

	t.Run("No digits", func(t *testing.T) {
		s := Parse("http://host/index.html")
		assert.Empty(t, s.Items())
		assert.Equal(t, "http://host/index.html", s.Render())
	})
}

func TestRenderClampsValue(t *testing.T) {
	s := New("http://h/f{{1}}.jpg", []Item{
		{Key: "1", Level: 1, Value: 50, From: 0, To: 9, Step: 1, Width: 2, Carry: true},
	})
	assert.Equal(t, "http://h/f09.jpg", s.Render())
}

func TestIncrementOdometer(t *testing.T) {
	s := New("http://h/{{1}}/{{2}}/{{3}}", []Item{
		{Key: "1", Level: 3, From: 0, To: 9, Step: 1, Width: 1, Carry: true},
		{Key: "2", Level: 2, From: 0, To: 9, Step: 1, Width: 1, Carry: true},
		{Key: "3", Level: 1, From: 0, To: 9, Step: 1, Width: 1, Carry: true},
	})

	assert.False(t, s.Increment())
	assert.Equal(t, "http://h/0/0/1", s.Render())

	for i := 2; i < 1000; i++ {
		require.False(t, s.Increment(), "call %d", i)
	}
	assert.Equal(t, "http://h/9/9/9", s.Render())

	assert.True(t, s.Increment(), "1000th call wraps the whole sequence")
	for _, it := range s.Items() {
		assert.Equal(t, it.From, it.Value)
	}
}

func TestIncrementCarryIsolation(t *testing.T) {
	t.Run("Non-propagating wrap stops at its level", func(t *testing.T) {
		s := New("{{1}}-{{2}}", []Item{
			{Key: "1", Level: 2, From: 0, To: 9, Step: 1, Width: 1, Carry: true},
			{Key: "2", Level: 1, Value: 9, From: 0, To: 9, Step: 1, Width: 1, Carry: false},
		})

		assert.False(t, s.Increment())
		assert.Equal(t, "0-0", s.Render())
	})

	t.Run("Propagating sibling carries the level", func(t *testing.T) {
		s := New("{{1}}-{{2}}-{{3}}", []Item{
			{Key: "1", Level: 2, From: 0, To: 9, Step: 1, Width: 1, Carry: true},
			{Key: "2", Level: 1, Value: 9, From: 0, To: 9, Step: 1, Width: 1, Carry: false},
			{Key: "3", Level: 1, Value: 4, From: 0, To: 4, Step: 1, Width: 1, Carry: true},
		})

		assert.False(t, s.Increment())
		assert.Equal(t, "1-0-0", s.Render())
	})
}

func TestIncrementStep(t *testing.T) {
	s := New("{{1}}", []Item{{Key: "1", Level: 1, Value: 0, From: 0, To: 10, Step: 4, Width: 2, Carry: true}})

	assert.False(t, s.Increment())
	assert.Equal(t, "04", s.Render())
	assert.False(t, s.Increment())
	assert.Equal(t, "08", s.Render())
	assert.True(t, s.Increment())
	assert.Equal(t, "00", s.Render())
}

func TestIncrementWithoutItems(t *testing.T) {
	s := New("http://h/static.jpg", nil)
	assert.True(t, s.Increment())
}

func TestFiniteRunProducesEveryAddress(t *testing.T) {
	s := New("http://h/f{{1}}.jpg", []Item{{Key: "1", Level: 1, From: 0, To: 2, Step: 1, Width: 1, Carry: true}})

	var urls []string
	for {
		urls = append(urls, s.Render())
		if s.Increment() {
			break
		}
	}
	assert.Equal(t, []string{"http://h/f0.jpg", "http://h/f1.jpg", "http://h/f2.jpg"}, urls)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		seq  *Sequence
		err  error
	}{
		{"valid", Parse("http://example.com/a1.jpg"), nil},
		{"empty template", New("  ", nil), ErrEmptyTemplate},
		{"relative", Parse("images/a1.jpg"), ErrNotAbsolute},
		{"no host", Parse("file:///tmp/a1.jpg"), ErrNotAbsolute},
		{"bad range", New("http://h/{{1}}", []Item{{Key: "1", From: 5, To: 5, Step: 1}}), ErrInvalidItem},
		{"bad step", New("http://h/{{1}}", []Item{{Key: "1", From: 0, To: 5, Step: 0}}), ErrInvalidItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.seq.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMaxConcurrencyClamp(t *testing.T) {
	s := Parse("http://h/1")
	assert.Equal(t, DefaultConcurrency, s.MaxConcurrency())

	s.SetMaxConcurrency(0)
	assert.Equal(t, 1, s.MaxConcurrency())
	s.SetMaxConcurrency(50)
	assert.Equal(t, 12, s.MaxConcurrency())
	s.SetMaxConcurrency(7)
	assert.Equal(t, 7, s.MaxConcurrency())
}

func TestUpdateItemAndReset(t *testing.T) {
	s := Parse("http://h/p5.jpg")

	err := s.UpdateItem("1", func(it *Item) error {
		return it.SetRange(3, 4)
	})
	require.NoError(t, err)
	assert.Equal(t, "http://h/p4.jpg", s.Render())

	err = s.UpdateItem("1", func(it *Item) error { return it.SetStep(0) })
	assert.ErrorIs(t, err, ErrInvalidItem)

	err = s.UpdateItem("9", func(it *Item) error { return nil })
	assert.ErrorIs(t, err, ErrItemNotFound)

	s.Reset()
	assert.Equal(t, "http://h/p3.jpg", s.Render())
}

func TestClone(t *testing.T) {
	s := Parse("http://h/p5.jpg")
	s.SetMaxConcurrency(9)

	c := s.Clone()
	c.Increment()

	assert.Equal(t, "http://h/p5.jpg", s.Render())
	assert.Equal(t, "http://h/p6.jpg", c.Render())
	assert.Equal(t, 9, c.MaxConcurrency())
}

func TestCodecRoundTrip(t *testing.T) {
	s := New("http://h/{{1}}/p{{2}}.jpg", []Item{
		{Key: "1", Level: 2, Value: 3, From: 1, To: 20, Step: 1, Width: 2, Carry: true},
		{Key: "2", Level: 1, Value: 7, From: 0, To: 99, Step: 5, Width: 3, Carry: false},
	})
	s.SetMaxConcurrency(6)

	var sb strings.Builder
	require.NoError(t, Write(&sb, s))

	expected := Title + "\n" +
		"Formula:http://h/{{1}}/p{{2}}.jpg\n" +
		"ThreadMaxCount:6\n" +
		"NumericRange Key:1,Level:2,Carry:Y,Value:3,Length:2,RangeFrom:1,RangeTo:20,Step:1\n" +
		"NumericRange Key:2,Level:1,Carry:N,Value:7,Length:3,RangeFrom:0,RangeTo:99,Step:5\n"
	assert.Equal(t, expected, sb.String())

	loaded, err := Read(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, s.Template(), loaded.Template())
	assert.Equal(t, s.Items(), loaded.Items())
	assert.Equal(t, 6, loaded.MaxConcurrency())
	assert.Equal(t, "http://h/03/p007.jpg", loaded.Render())
}

func TestReadErrors(t *testing.T) {
	t.Run("Missing title", func(t *testing.T) {
		_, err := Read(strings.NewReader("Formula:http://h/1\n"))
		assert.ErrorIs(t, err, ErrBadHeader)
	})

	t.Run("Empty input", func(t *testing.T) {
		_, err := Read(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrBadHeader)
	})

	t.Run("Bad number", func(t *testing.T) {
		_, err := Read(strings.NewReader(Title + "\nNumericRange Key:1,Level:x\n"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "line 2")
	})

	t.Run("Unknown keys are ignored", func(t *testing.T) {
		s, err := Read(strings.NewReader(Title + "\nFormula:http://h/{{1}}\nColor:red\nNumericRange Key:1,Level:1,Value:2,Length:1,RangeFrom:0,RangeTo:9,Step:1,Extra:1\n"))
		require.NoError(t, err)
		assert.Equal(t, "http://h/2", s.Render())
	})
}

func TestLoadSaveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gallery.seq")
	s := Parse("http://example.com/gallery/12/img0042.jpg")

	require.NoError(t, SaveFile(path, s))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.Render(), loaded.Render())
	assert.Equal(t, s.Items(), loaded.Items())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.seq"))
	assert.Error(t, err)
}
