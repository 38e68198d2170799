package lens

import (
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"
)

// CompareRequest holds two revisions of a script.
type CompareRequest struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// CompareSide summarizes one revision of a compared script.
type CompareSide struct {
	BigO        string `json:"big_o"`
	Steps       int    `json:"steps"`
	Truncated   bool   `json:"truncated"`
	Error       string `json:"error,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// CompareResponse describes how the behavior of a script changed between two revisions.
type CompareResponse struct {
	// SameTrace reports both revisions produced identical traces, ignoring timestamps.
	SameTrace  bool        `json:"same_trace"`
	StdoutDiff string      `json:"stdout_diff"`
	Before     CompareSide `json:"before"`
	After      CompareSide `json:"after"`
}

// DiffOutput provides a unified diff of two output texts. If the texts are identical an empty string will be
// returned.
func DiffOutput(before, after string) string {
	if before == after {
		return ""
	}
	// SplitLines terminates the last line itself, a trailing newline would add an empty line to both sides
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.TrimSuffix(before, "\n")),
		B:        difflib.SplitLines(strings.TrimSuffix(after, "\n")),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil && text != "" {
		return text
	} else { // fallback to basic format if unexpected diff error
		return fmt.Sprintf("\t'%v'\n!=\n\t'%v'", before, after)
	}
}

// Compare traces both revisions concurrently and reports the differences in their output and complexity.
func (s *Service) Compare(ctx context.Context, req CompareRequest) (*CompareResponse, error) {
	noTracking := false
	var before, after *RunResponse
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		before, err = s.Run(gCtx, RunRequest{Code: req.Before, TrackPerformance: &noTracking})
		return err
	})
	g.Go(func() (err error) {
		after, err = s.Run(gCtx, RunRequest{Code: req.After, TrackPerformance: &noTracking})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &CompareResponse{
		SameTrace:  before.TraceFingerprint == after.TraceFingerprint,
		StdoutDiff: DiffOutput(before.Stdout, after.Stdout),
		Before:     compareSide(before),
		After:      compareSide(after),
	}, nil
}

func compareSide(resp *RunResponse) CompareSide {
	side := CompareSide{
		BigO:        BigOUnknown,
		Steps:       len(resp.Trace),
		Truncated:   resp.Truncated,
		Error:       resp.Error,
		Fingerprint: resp.TraceFingerprint,
	}
	if resp.ComplexityAnalysis != nil {
		side.BigO = resp.ComplexityAnalysis.BigO
	}
	return side
}
