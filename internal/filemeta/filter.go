package filemeta

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Query parameter names understood by ParseFilter.
const (
	ParamFileName      = "fileName"
	ParamFileExtension = "fileExtension"
	ParamFileSize      = "fileSize"
	ParamMinSize       = "minSize"
	ParamMaxSize       = "maxSize"
)

// Params lists every filter parameter in a fixed order.
var Params = []string{ParamFileName, ParamFileExtension, ParamFileSize, ParamMinSize, ParamMaxSize}

// Filter is a conjunction of optional predicates over a Record.
// The zero value matches every record.
type Filter struct {
	FileName      string
	FileExtension string
	FileSize      *float64
	MinSize       *float64
	MaxSize       *float64

	namePattern *regexp.Regexp
}

// ParseFilter builds a Filter from raw query parameters.
// Empty values are treated as absent. Unknown keys are ignored.
func ParseFilter(params map[string]string) (Filter, error) {
	var f Filter
	f.FileName = strings.TrimSpace(params[ParamFileName])
	f.FileExtension = strings.TrimSpace(params[ParamFileExtension])

	for _, p := range []struct {
		key string
		dst **float64
	}{
		{ParamFileSize, &f.FileSize},
		{ParamMinSize, &f.MinSize},
		{ParamMaxSize, &f.MaxSize},
	} {
		raw := strings.TrimSpace(params[p.key])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Filter{}, fmt.Errorf("%s must be a finite number, got %q", p.key, raw)
		}
		*p.dst = &v
	}

	f.compile()
	return f, nil
}

// compile prepares the case-insensitive name pattern. A pattern that is not a
// valid regular expression is matched as a literal substring instead.
func (f *Filter) compile() {
	if f.FileName == "" {
		f.namePattern = nil
		return
	}
	re, err := regexp.Compile("(?i)" + f.FileName)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(f.FileName))
	}
	f.namePattern = re
}

// Empty reports whether the filter has no predicates.
func (f Filter) Empty() bool {
	return f.FileName == "" && f.FileExtension == "" &&
		f.FileSize == nil && f.MinSize == nil && f.MaxSize == nil
}

// Params returns the filter's present predicates as query parameters.
// It is the canonical input for cache-key computation.
func (f Filter) Params() map[string]string {
	out := make(map[string]string, len(Params))
	if f.FileName != "" {
		out[ParamFileName] = f.FileName
	}
	if f.FileExtension != "" {
		out[ParamFileExtension] = f.FileExtension
	}
	for key, v := range map[string]*float64{
		ParamFileSize: f.FileSize,
		ParamMinSize:  f.MinSize,
		ParamMaxSize:  f.MaxSize,
	} {
		if v != nil {
			out[key] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	return out
}

// Match reports whether r satisfies every predicate of f. A Filter not built
// by ParseFilter compiles its name pattern on the first call and keeps it, so
// a Filter must not be shared between goroutines before it has matched once.
func (f *Filter) Match(r Record) bool {
	if f.FileName != "" {
		if f.namePattern == nil {
			f.compile()
		}
		if !f.namePattern.MatchString(r.FileName) {
			return false
		}
	}
	if f.FileExtension != "" && r.FileExtension != f.FileExtension {
		return false
	}
	if f.FileSize != nil && r.FileSize != *f.FileSize {
		return false
	}
	if f.MinSize != nil && r.FileSize < *f.MinSize {
		return false
	}
	if f.MaxSize != nil && r.FileSize > *f.MaxSize {
		return false
	}
	return true
}
