package instance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMissingField = errors.New("missing required field")

type Difficulty int

const (
	DifficultyNormal Difficulty = iota
	DifficultyExpert
	DifficultyMaster
	DifficultyJourney
)

var difficultyNames = map[string]Difficulty{
	"normal":  DifficultyNormal,
	"expert":  DifficultyExpert,
	"master":  DifficultyMaster,
	"journey": DifficultyJourney,
}

type WorldSize int

const (
	SizeSmall WorldSize = iota + 1
	SizeMedium
	SizeLarge
)

var sizeNames = map[string]WorldSize{
	"small":  SizeSmall,
	"medium": SizeMedium,
	"large":  SizeLarge,
}

type Evil int

const (
	EvilRandom Evil = iota + 1
	EvilCorruption
	EvilCrimson
)

var evilNames = map[string]Evil{
	"random":     EvilRandom,
	"corruption": EvilCorruption,
	"crimson":    EvilCrimson,
}

// Settings describes a world to create.
type Settings struct {
	Name       string     `mapstructure:"name"`
	WorldName  string     `mapstructure:"worldName"`
	Seed       string     `mapstructure:"seed"`
	Difficulty Difficulty `mapstructure:"difficulty"`
	Size       WorldSize  `mapstructure:"size"`
	Evil       Evil       `mapstructure:"evil"`
}

// DefaultSettings returns the values used for anything not specified.
func DefaultSettings() Settings {
	return Settings{Difficulty: DifficultyNormal, Size: SizeMedium, Evil: EvilRandom}
}

// Validate checks the required fields and clamps out-of-range values back to their
// defaults, returning a warning for every value it replaced.
func (s *Settings) Validate() ([]string, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingField)
	}
	if s.WorldName == "" {
		return nil, fmt.Errorf("%w: worldname", ErrMissingField)
	}

	defaults := DefaultSettings()
	var warnings []string
	if s.Difficulty < DifficultyNormal || s.Difficulty > DifficultyJourney {
		warnings = append(warnings, fmt.Sprintf("%s: invalid difficulty %d, using normal", s.Name, s.Difficulty))
		s.Difficulty = defaults.Difficulty
	}
	if s.Size < SizeSmall || s.Size > SizeLarge {
		warnings = append(warnings, fmt.Sprintf("%s: invalid size %d, using medium", s.Name, s.Size))
		s.Size = defaults.Size
	}
	if s.Evil < EvilRandom || s.Evil > EvilCrimson {
		warnings = append(warnings, fmt.Sprintf("%s: invalid evil %d, using random", s.Name, s.Evil))
		s.Evil = defaults.Evil
	}
	return warnings, nil
}

// ParseSettings reads "key:value" tokens (name, worldname, seed, difficulty, size,
// evil). Malformed or unknown tokens produce warnings and keep the default; a
// missing name or worldname is an error.
func ParseSettings(tokens []string) (Settings, []string, error) {
	s := DefaultSettings()
	var warnings []string

	for _, token := range tokens {
		key, value, ok := strings.Cut(token, ":")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("ignoring malformed server argument %q", token))
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "name":
			s.Name = value
		case "worldname":
			s.WorldName = value
		case "seed":
			s.Seed = value
		case "difficulty":
			s.Difficulty, err = parseEnum(value, difficultyNames, s.Difficulty, 0, 3)
		case "size":
			s.Size, err = parseEnum(value, sizeNames, s.Size, 1, 3)
		case "evil":
			s.Evil, err = parseEnum(value, evilNames, s.Evil, 1, 3)
		default:
			warnings = append(warnings, fmt.Sprintf("ignoring unknown server argument %q", key))
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid %s %q, using default", key, value))
		}
	}

	more, err := s.Validate()
	return s, append(warnings, more...), err
}

func parseEnum[T ~int](value string, names map[string]T, fallback T, lo, hi int) (T, error) {
	if v, ok := names[strings.ToLower(value)]; ok {
		return v, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback, err
	}
	if n < lo || n > hi {
		return fallback, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return T(n), nil
}
