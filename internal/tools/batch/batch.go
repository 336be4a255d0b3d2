package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Per-path outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome for one path of a batch.
type Result struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary aggregates the results of a batch.
type Summary struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// ParsePaths reads a parameter that is either a single path or an array of
// paths. Duplicate paths are collapsed, keeping the first occurrence.
func ParsePaths(param any, name string) ([]string, error) {
	if param == nil {
		return nil, fmt.Errorf("%s is required", name)
	}

	var paths []string
	switch v := param.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%s cannot be empty", name)
		}
		return []string{v}, nil
	case []string:
		paths = v
	case []any:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string", name, i)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or array of strings", name)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%s cannot be empty", name)
	}
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for i, p := range paths {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%s[%d] cannot be empty", name, i)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Process runs fn for every path in order. Once ctx is done the remaining
// paths are reported as failed without running fn.
func Process(ctx context.Context, paths []string, fn func(path string) (string, error)) Summary {
	s := Summary{Results: make([]Result, 0, len(paths))}
	for _, p := range paths {
		var r Result
		if err := ctx.Err(); err != nil {
			r = Failure(p, err)
		} else if msg, err := fn(p); err != nil {
			r = Failure(p, err)
		} else {
			r = Success(p, msg)
		}
		s.add(r)
	}
	return s
}

func (s *Summary) add(r Result) {
	s.Total++
	if r.Status == StatusSuccess {
		s.Successful++
	} else {
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// JSON renders the summary as indented JSON.
func (s Summary) JSON() string {
	out, _ := json.MarshalIndent(s, "", "  ")
	return string(out)
}

// Success creates a success result
func Success(path, message string) Result {
	return Result{Path: path, Status: StatusSuccess, Result: message}
}

// Failure creates an error result
func Failure(path string, err error) Result {
	return Result{Path: path, Status: StatusError, Error: err.Error()}
}
