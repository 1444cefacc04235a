package ffmpeg

import (
	"fmt"
	"strings"
)

// OptionType represents a strongly typed encoder behavior flag.
type OptionType string

// Encoder option constants
const (
	OptionFastStart       OptionType = "faststart"
	OptionFragmented      OptionType = "fragmented"
	OptionZeroLatency     OptionType = "zerolatency"
	OptionShortGOP        OptionType = "short_gop"
	OptionGeneratePTS     OptionType = "genpts"
	OptionThreadQueue1024 OptionType = "thread_queue_1024"
	OptionThreadQueue4096 OptionType = "thread_queue_4096"
)

// OptionCategory represents option categories
type OptionCategory string

const (
	CategoryFile        OptionCategory = "File"
	CategoryPreview     OptionCategory = "Preview"
	CategoryTiming      OptionCategory = "Timing"
	CategoryPerformance OptionCategory = "Performance"
)

// ExclusiveGroup represents a group of mutually exclusive options
type ExclusiveGroup string

const (
	GroupMP4Layout   ExclusiveGroup = "mp4_layout"
	GroupThreadQueue ExclusiveGroup = "thread_queue"
)

// Option describes one behavior flag.
type Option struct {
	Key            OptionType      `json:"key"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Category       OptionCategory  `json:"category"`
	AppDefault     bool            `json:"app_default"`
	ExclusiveGroup *ExclusiveGroup `json:"exclusive_group,omitempty"`
}

func group(g ExclusiveGroup) *ExclusiveGroup { return &g }

// AllOptions lists every supported behavior flag.
var AllOptions = []Option{
	{
		Key:            OptionFastStart,
		Name:           "Fast Start",
		Description:    "Move the mp4 index to the front once encoding finishes",
		Category:       CategoryFile,
		AppDefault:     true,
		ExclusiveGroup: group(GroupMP4Layout),
	},
	{
		Key:            OptionFragmented,
		Name:           "Fragmented MP4",
		Description:    "Write a fragmented mp4 that stays playable if the encoder is killed",
		Category:       CategoryFile,
		ExclusiveGroup: group(GroupMP4Layout),
	},
	{
		Key:         OptionZeroLatency,
		Name:        "Zero Latency Preview",
		Description: "Tune the preview encode for latency over compression",
		Category:    CategoryPreview,
		AppDefault:  true,
	},
	{
		Key:         OptionShortGOP,
		Name:        "Short GOP Preview",
		Description: "One keyframe per second on the preview so receivers join quickly",
		Category:    CategoryPreview,
		AppDefault:  true,
	},
	{
		Key:         OptionGeneratePTS,
		Name:        "Generate PTS",
		Description: "Generate presentation timestamps on the frame input",
		Category:    CategoryTiming,
	},
	{
		Key:            OptionThreadQueue1024,
		Name:           "Thread Queue 1024",
		Description:    "Input packet queue of 1024 entries",
		Category:       CategoryPerformance,
		ExclusiveGroup: group(GroupThreadQueue),
	},
	{
		Key:            OptionThreadQueue4096,
		Name:           "Thread Queue 4096",
		Description:    "Input packet queue of 4096 entries, for bursty renderers",
		Category:       CategoryPerformance,
		ExclusiveGroup: group(GroupThreadQueue),
	},
}

// GetOptionByKey returns an option by its key
func GetOptionByKey(key OptionType) *Option {
	for i := range AllOptions {
		if AllOptions[i].Key == key {
			return &AllOptions[i]
		}
	}
	return nil
}

// GetDefaultOptions returns the options that are enabled by default
func GetDefaultOptions() []OptionType {
	var defaults []OptionType
	for _, option := range AllOptions {
		if option.AppDefault {
			defaults = append(defaults, option.Key)
		}
	}
	return defaults
}

// ValidateOptions rejects unknown keys and more than one option from the
// same exclusive group.
func ValidateOptions(selected []OptionType) error {
	seen := make(map[ExclusiveGroup]OptionType)
	for _, key := range selected {
		option := GetOptionByKey(key)
		if option == nil {
			return fmt.Errorf("unknown encoder option %q", key)
		}
		if option.ExclusiveGroup == nil {
			continue
		}
		if prev, ok := seen[*option.ExclusiveGroup]; ok && prev != key {
			return fmt.Errorf("options %q and %q are mutually exclusive (%s)", prev, key, *option.ExclusiveGroup)
		}
		seen[*option.ExclusiveGroup] = key
	}
	return nil
}

// ParseOptions parses a comma-separated option list. An empty list selects
// the defaults; "none" selects nothing.
func ParseOptions(list string) ([]OptionType, error) {
	list = strings.TrimSpace(list)
	switch list {
	case "":
		return GetDefaultOptions(), nil
	case "none":
		return []OptionType{}, nil
	}

	var selected []OptionType
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			selected = append(selected, OptionType(part))
		}
	}
	if err := ValidateOptions(selected); err != nil {
		return nil, err
	}
	return selected, nil
}

func hasOption(options []OptionType, key OptionType) bool {
	for _, o := range options {
		if o == key {
			return true
		}
	}
	return false
}
