package filter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrSampleNotFound is returned when a sample to remove is not in dynamic samples
var ErrSampleNotFound = errors.New("sample not found")

// SampleUpdater represents a file with dynamic samples, one message per line, that can be read and appended to.
// It keeps messages reported at runtime, SpamFilter loads them on every reload.
type SampleUpdater struct {
	fileName string
}

// NewSampleUpdater creates a new SampleUpdater
func NewSampleUpdater(fileName string) *SampleUpdater {
	return &SampleUpdater{fileName: fileName}
}

// Reader returns a reader for the file, caller must close it
func (s *SampleUpdater) Reader() (io.ReadCloser, error) {
	fh, err := os.Open(s.fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.fileName, err)
	}
	return fh, nil
}

// Append a message to the file, preventing duplicates. Returns false if the message was already there.
// New lines in the message are replaced with spaces.
func (s *SampleUpdater) Append(msg string) (bool, error) {
	msg = cleanSample(msg)
	if msg == "" {
		return false, fmt.Errorf("empty sample")
	}

	lines, err := s.lines()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if sameSample(line, msg) {
			return false, nil
		}
	}

	fh, err := os.OpenFile(s.fileName, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644) //nolint:gosec // keep it readable by all
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", s.fileName, err)
	}
	defer fh.Close()

	if _, err = fh.WriteString(msg + "\n"); err != nil {
		return false, fmt.Errorf("failed to write to %s: %w", s.fileName, err)
	}
	return true, nil
}

// Remove deletes all lines matching the message and returns number of removed lines.
// The message is cleaned and compared the same way Append does it.
func (s *SampleUpdater) Remove(msg string) (int, error) {
	msg = cleanSample(msg)
	if msg == "" {
		return 0, fmt.Errorf("empty sample")
	}
	lines, err := s.lines()
	if err != nil {
		return 0, err
	}
	count := 0
	keep := make([]string, 0, len(lines))
	for _, line := range lines {
		if sameSample(line, msg) {
			count++
			continue
		}
		keep = append(keep, line)
	}
	if count == 0 {
		return 0, fmt.Errorf("%q in %s: %w", msg, s.fileName, ErrSampleNotFound)
	}

	fh, err := os.Create(s.fileName)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s for writing: %w", s.fileName, err)
	}
	defer fh.Close()
	for _, line := range keep {
		if _, err := fh.WriteString(line + "\n"); err != nil {
			return 0, fmt.Errorf("failed to write to %s: %w", s.fileName, err)
		}
	}
	return count, nil
}

// Lines returns all samples from the file, a missing file has no samples
func (s *SampleUpdater) Lines() ([]string, error) {
	return s.lines()
}

func (s *SampleUpdater) lines() ([]string, error) {
	fh, err := os.Open(s.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", s.fileName, err)
	}
	defer fh.Close()

	res := []string{}
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		res = append(res, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.fileName, err)
	}
	return res, nil
}

// cleanSample makes a single-line sample, new lines replaced with spaces and surrounding spaces trimmed
func cleanSample(msg string) string {
	return strings.TrimSpace(strings.ReplaceAll(msg, "\n", " "))
}

// sameSample compares a stored sample with a cleaned message, case-insensitive
func sameSample(stored, cleanMsg string) bool {
	return strings.EqualFold(strings.TrimSpace(stored), cleanMsg)
}
