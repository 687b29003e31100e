package sequence

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Title is the first line of a sequence file
const Title = "SeqGet address sequence"

const (
	keyFormula        = "Formula"
	keyThreadMaxCount = "ThreadMaxCount"
	rangePrefix       = "NumericRange "
)

var ErrBadHeader = errors.New("sequence: missing title line")

// Write serializes the sequence in the line-oriented sequence file format
func Write(w io.Writer, s *Sequence) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, Title)
	fmt.Fprintf(bw, "%s:%s\n", keyFormula, s.Template())
	fmt.Fprintf(bw, "%s:%d\n", keyThreadMaxCount, s.MaxConcurrency())

	for _, it := range s.Items() {
		carry := "N"
		if it.Carry {
			carry = "Y"
		}
		fmt.Fprintf(bw, "%sKey:%s,Level:%d,Carry:%s,Value:%d,Length:%d,RangeFrom:%d,RangeTo:%d,Step:%d\n",
			rangePrefix, it.Key, it.Level, carry, it.Value, it.Width, it.From, it.To, it.Step)
	}

	return bw.Flush()
}

// Read parses a sequence file. Unknown keys are ignored.
func Read(r io.Reader) (*Sequence, error) {
	scanner := bufio.NewScanner(r)

	var (
		template   string
		maxThreads = DefaultConcurrency
		items      []Item
		sawTitle   bool
		lineNo     int
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if !sawTitle {
			if strings.TrimSpace(line) != Title {
				return nil, ErrBadHeader
			}
			sawTitle = true
			continue
		}

		if strings.HasPrefix(line, rangePrefix) {
			it, err := parseRangeLine(strings.TrimPrefix(line, rangePrefix))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			items = append(items, it)
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case keyFormula:
			template = value
		case keyThreadMaxCount:
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", lineNo, keyThreadMaxCount, err)
			}
			maxThreads = n
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawTitle {
		return nil, ErrBadHeader
	}

	s := New(template, items)
	s.SetMaxConcurrency(maxThreads)
	return s, nil
}

func parseRangeLine(body string) (Item, error) {
	it := Item{Step: 1, Carry: true}

	for _, field := range strings.Split(body, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), ":")
		if !ok {
			continue
		}

		var err error
		switch key {
		case "Key":
			it.Key = value
		case "Level":
			it.Level, err = strconv.Atoi(value)
		case "Carry":
			it.Carry = strings.EqualFold(value, "Y")
		case "Value":
			it.Value, err = strconv.ParseInt(value, 10, 64)
		case "Length":
			it.Width, err = strconv.Atoi(value)
		case "RangeFrom":
			it.From, err = strconv.ParseInt(value, 10, 64)
		case "RangeTo":
			it.To, err = strconv.ParseInt(value, 10, 64)
		case "Step":
			it.Step, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return Item{}, fmt.Errorf("%s: %w", key, err)
		}
	}

	if it.Key == "" {
		return Item{}, fmt.Errorf("%w: missing key", ErrInvalidItem)
	}
	return it, nil
}

// LoadFile reads a sequence file from disk
func LoadFile(path string) (*Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence file: %w", err)
	}
	defer f.Close()

	s, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sequence file %s: %w", path, err)
	}
	return s, nil
}

// SaveFile writes the sequence to path using a temp file and rename
func SaveFile(path string, s *Sequence) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		return fmt.Errorf("failed to encode sequence: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write sequence: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
