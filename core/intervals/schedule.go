package intervals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const maxWeight uint32 = 100

// OverflowMode controls which weight applies once the interval index runs past
// the end of the weight table.
type OverflowMode string

const (
	// OverflowCycle wraps around: interval n uses weights[n mod len(weights)].
	OverflowCycle OverflowMode = "cycle"
	// OverflowSaturate repeats the last weight forever.
	OverflowSaturate OverflowMode = "saturate"
)

var (
	ErrBeforeInitiation = errors.New("intervals: timestamp precedes initiation time")
	ErrInvalidSchedule  = errors.New("intervals: invalid schedule")
)

// Schedule describes how time is partitioned into reward intervals and how much
// of the unallocated pool each interval may release.
type Schedule struct {
	InitiationTime      uint64       `json:"initiationTime" toml:"initiationTime"`
	TermLength          uint64       `json:"termLength" toml:"termLength"`
	Weights             []uint32     `json:"weights" toml:"weights"`
	MinimumParticipants int          `json:"minimumParticipants" toml:"minimumParticipants"`
	Overflow            OverflowMode `json:"overflow" toml:"overflow"`
}

// Validate checks the schedule and fills defaults.
func (s *Schedule) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil schedule", ErrInvalidSchedule)
	}
	if s.TermLength == 0 {
		return fmt.Errorf("%w: termLength must be greater than zero", ErrInvalidSchedule)
	}
	if len(s.Weights) == 0 {
		return fmt.Errorf("%w: at least one weight required", ErrInvalidSchedule)
	}
	for i, w := range s.Weights {
		if w > maxWeight {
			return fmt.Errorf("%w: weight %d is %d, cannot exceed %d", ErrInvalidSchedule, i, w, maxWeight)
		}
	}
	if s.MinimumParticipants < 0 {
		return fmt.Errorf("%w: minimumParticipants cannot be negative", ErrInvalidSchedule)
	}
	mode := OverflowMode(strings.ToLower(strings.TrimSpace(string(s.Overflow))))
	switch mode {
	case "":
		mode = OverflowCycle
	case OverflowCycle, OverflowSaturate:
	default:
		return fmt.Errorf("%w: overflow mode %q unsupported", ErrInvalidSchedule, s.Overflow)
	}
	s.Overflow = mode
	return nil
}

// IntervalOf returns the index of the interval containing ts.
func (s *Schedule) IntervalOf(ts uint64) (uint64, error) {
	if ts < s.InitiationTime {
		return 0, ErrBeforeInitiation
	}
	return (ts - s.InitiationTime) / s.TermLength, nil
}

// StartOf returns the first second belonging to interval n.
func (s *Schedule) StartOf(n uint64) uint64 {
	return s.InitiationTime + n*s.TermLength
}

// EndOf returns the exclusive end of interval n, which is also the start of n+1.
func (s *Schedule) EndOf(n uint64) uint64 {
	return s.StartOf(n + 1)
}

// WeightOf returns the percentage of the unallocated pool interval n releases.
func (s *Schedule) WeightOf(n uint64) uint32 {
	count := uint64(len(s.Weights))
	if count == 0 {
		return 0
	}
	if n < count {
		return s.Weights[n]
	}
	if s.Overflow == OverflowSaturate {
		return s.Weights[count-1]
	}
	return s.Weights[n%count]
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	out.Weights = append([]uint32(nil), s.Weights...)
	return &out
}

// LoadSchedule reads a schedule from a JSON or TOML file.
func LoadSchedule(path string) (*Schedule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("intervals: schedule path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intervals: read schedule: %w", err)
	}
	var parsed Schedule
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&parsed); err != nil {
			return nil, fmt.Errorf("intervals: decode schedule json: %w", err)
		}
	case ".toml", ".tml":
		meta, err := toml.DecodeReader(bytes.NewReader(data), &parsed)
		if err != nil {
			return nil, fmt.Errorf("intervals: decode schedule toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("intervals: unknown schedule fields %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("intervals: unsupported schedule format %q", ext)
	}
	if err := parsed.Validate(); err != nil {
		return nil, err
	}
	return &parsed, nil
}
