package query

import (
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPatternLen caps regex-mode search patterns, in characters.
const DefaultMaxPatternLen = 256

// maxRepetitions bounds the number of quantifiers in one pattern.
const maxRepetitions = 25

var (
	ErrPatternTooLong = errors.New("regex pattern too long")
	ErrUnsafePattern  = errors.New("unsafe regex pattern")
	ErrInvalidPattern = errors.New("invalid regex pattern")
)

// compileSearch builds the case-insensitive matcher for a search string. Plain
// mode escapes the input; regex mode rejects overlong and unsafe patterns
// before compiling.
func compileSearch(search string, mode Mode, maxLen int) (*regexp.Regexp, error) {
	if search == "" {
		return nil, nil
	}
	if mode != ModeRegex {
		// regexp rejects invalid UTF-8, so stray bytes become U+FFFD.
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(strings.ToValidUTF8(search, "\uFFFD")))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		return re, nil
	}

	if maxLen <= 0 {
		maxLen = DefaultMaxPatternLen
	}
	if utf8.RuneCountInString(search) > maxLen {
		return nil, fmt.Errorf("%w: must be %d characters or less", ErrPatternTooLong, maxLen)
	}
	if err := checkSafe(search); err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + search)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// checkSafe rejects nested quantifiers such as (a+)+ and patterns with an
// excessive number of quantifiers.
func checkSafe(pattern string) error {
	tree, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	reps := 0
	if !walkSafe(tree, 0, &reps) {
		return ErrUnsafePattern
	}
	return nil
}

func walkSafe(re *syntax.Regexp, height int, reps *int) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest, syntax.OpRepeat:
		height++
		*reps++
		if height > 1 || *reps > maxRepetitions {
			return false
		}
	}
	for _, sub := range re.Sub {
		if !walkSafe(sub, height, reps) {
			return false
		}
	}
	return true
}
