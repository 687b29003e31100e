// Package sequence generates successive download addresses from a URL template.
// Every run of digits in a sample URL becomes a numeric counter; the counters are
// advanced like an odometer, the right-most one rolling first.
package sequence

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// MinConcurrency and MaxConcurrency bound the number of parallel transfers
	MinConcurrency = 1
	MaxConcurrency = 12

	// DefaultConcurrency is used by sequences created from a sample
	DefaultConcurrency = 4

	// maxDigits caps the range of a parsed digit run
	maxDigits = 12
)

var (
	ErrEmptyTemplate = errors.New("sequence: template is empty")
	ErrNotAbsolute   = errors.New("sequence: rendered address is not an absolute URL")
	ErrInvalidItem   = errors.New("sequence: invalid numeric range")
	ErrItemNotFound  = errors.New("sequence: numeric range not found")
)

// Item is one numeric counter of a sequence
type Item struct {
	Key   string `json:"key" yaml:"key"`
	Level int    `json:"level" yaml:"level"`
	Value int64  `json:"value" yaml:"value"`
	From  int64  `json:"rangeFrom" yaml:"range_from"`
	To    int64  `json:"rangeTo" yaml:"range_to"`
	Step  int64  `json:"step" yaml:"step"`
	Width int    `json:"width" yaml:"width"`
	Carry bool   `json:"carry" yaml:"carry"`
}

// Token returns the placeholder that stands for the item inside a template
func (it *Item) Token() string {
	return Token(it.Key)
}

// Token returns the placeholder text for key
func Token(key string) string {
	return "{{" + key + "}}"
}

// Validate checks the range and step of the item
func (it *Item) Validate() error {
	if it.To <= it.From {
		return fmt.Errorf("%w: %s: range %d..%d", ErrInvalidItem, it.Key, it.From, it.To)
	}
	if it.Step <= 0 {
		return fmt.Errorf("%w: %s: step %d", ErrInvalidItem, it.Key, it.Step)
	}
	return nil
}

// SetRange changes the range of the item and clamps the current value into it
func (it *Item) SetRange(from, to int64) error {
	if to <= from {
		return fmt.Errorf("%w: %s: range %d..%d", ErrInvalidItem, it.Key, from, to)
	}
	it.From, it.To = from, to
	it.Value = it.clamped()
	return nil
}

// SetStep changes the increment of the item
func (it *Item) SetStep(step int64) error {
	if step <= 0 {
		return fmt.Errorf("%w: %s: step %d", ErrInvalidItem, it.Key, step)
	}
	it.Step = step
	return nil
}

func (it *Item) clamped() int64 {
	if it.Value < it.From {
		return it.From
	}
	if it.Value > it.To {
		return it.To
	}
	return it.Value
}

func (it *Item) text() string {
	return fmt.Sprintf("%0*d", it.Width, it.clamped())
}

// increment advances the item by its step and reports a carry for the next level
func (it *Item) increment() bool {
	next := it.Value + it.Step
	if next > it.To || next < it.Value {
		it.Value = it.From
		return it.Carry
	}
	it.Value = next
	return false
}

// Sequence is a URL template plus its numeric counters
type Sequence struct {
	mu       sync.RWMutex
	template string
	items    []*Item

	maxConcurrency atomic.Int32
}

// New creates a sequence from a template and its items. Items are kept in the given order.
func New(template string, items []Item) *Sequence {
	s := &Sequence{template: template}
	for i := range items {
		it := items[i]
		s.items = append(s.items, &it)
	}
	s.SetMaxConcurrency(DefaultConcurrency)
	return s
}

// Parse builds a sequence from a sample address. Each maximal run of digits becomes a
// counter starting at the sample's value; the last run found gets level 1.
func Parse(sample string) *Sequence {
	var (
		tmpl  strings.Builder
		items []Item
	)

	for i := 0; i < len(sample); {
		if !isDigit(sample[i]) {
			j := i
			for j < len(sample) && !isDigit(sample[j]) {
				j++
			}
			tmpl.WriteString(sample[i:j])
			i = j
			continue
		}

		j := i
		for j < len(sample) && isDigit(sample[j]) {
			j++
		}
		digits := sample[i:j]
		key := strconv.Itoa(len(items) + 1)
		items = append(items, newParsedItem(key, digits))
		tmpl.WriteString(Token(key))
		i = j
	}

	for i := range items {
		items[i].Level = len(items) - i
	}

	return New(tmpl.String(), items)
}

func newParsedItem(key, digits string) Item {
	width := len(digits)
	span := width
	if span > maxDigits {
		span = maxDigits
	}
	to := int64(1)
	for i := 0; i < span; i++ {
		to *= 10
	}
	to--

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || value > to {
		value = to
	}

	return Item{
		Key:   key,
		Value: value,
		From:  0,
		To:    to,
		Step:  1,
		Width: width,
		Carry: true,
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Template returns the template text with its placeholders
func (s *Sequence) Template() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.template
}

// SetTemplate replaces the template text
func (s *Sequence) SetTemplate(template string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.template = template
}

// Items returns a copy of the counters in insertion order
func (s *Sequence) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Item, len(s.items))
	for i, it := range s.items {
		items[i] = *it
	}
	return items
}

// UpdateItem applies fn to the counter identified by key
func (s *Sequence) UpdateItem(key string, fn func(*Item) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if it.Key == key {
			return fn(it)
		}
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, key)
}

// MaxConcurrency returns the configured number of parallel transfers
func (s *Sequence) MaxConcurrency() int {
	return int(s.maxConcurrency.Load())
}

// SetMaxConcurrency stores n clamped to [MinConcurrency, MaxConcurrency]
func (s *Sequence) SetMaxConcurrency(n int) {
	s.maxConcurrency.Store(int32(ClampConcurrency(n)))
}

// ClampConcurrency bounds n to the supported concurrency range
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// Render returns the address for the current counter values
func (s *Sequence) Render() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderLocked()
}

func (s *Sequence) renderLocked() string {
	if len(s.items) == 0 {
		return s.template
	}
	pairs := make([]string, 0, len(s.items)*2)
	for _, it := range s.items {
		pairs = append(pairs, it.Token(), it.text())
	}
	return strings.NewReplacer(pairs...).Replace(s.template)
}

// Increment advances the sequence to the next combination. Every counter of a level is
// stepped together; coarser levels only move when a finer level carries. It returns true
// when the carry runs past the last level, i.e. the whole sequence wrapped to its start.
func (s *Sequence) Increment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, level := range s.levelsLocked() {
		carry := false
		for _, it := range s.items {
			if it.Level != level {
				continue
			}
			if it.increment() {
				carry = true
			}
		}
		if !carry {
			return false
		}
	}
	return true
}

func (s *Sequence) levelsLocked() []int {
	seen := make(map[int]bool, len(s.items))
	levels := make([]int, 0, len(s.items))
	for _, it := range s.items {
		if !seen[it.Level] {
			seen[it.Level] = true
			levels = append(levels, it.Level)
		}
	}
	sort.Ints(levels)
	return levels
}

// Reset puts every counter back to the start of its range
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		it.Value = it.From
	}
}

// Validate checks that the template is present, every counter is well formed and the
// rendered address is an absolute URL
func (s *Sequence) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if strings.TrimSpace(s.template) == "" {
		return ErrEmptyTemplate
	}
	for _, it := range s.items {
		if err := it.Validate(); err != nil {
			return err
		}
	}

	rendered := s.renderLocked()
	u, err := url.Parse(rendered)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAbsolute, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrNotAbsolute, rendered)
	}
	return nil
}

// Clone returns an independent copy of the sequence
func (s *Sequence) Clone() *Sequence {
	c := New(s.Template(), s.Items())
	c.SetMaxConcurrency(s.MaxConcurrency())
	return c
}
