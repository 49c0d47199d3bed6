package calibration

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

var (
	rangeLabel = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*-\s*(\d+(?:\.\d+)?)\s*$`)
	openLabel  = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*\+\s*$`)
)

func formatEdge(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DetectBins parses labels of the form "a - b" and "a+" into sorted bucket
// edges. The last edge opens the top bucket. Every label implied by the edges
// must be present, and no other label may appear.
func DetectBins(labels []string) ([]float64, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no distance labels", ErrValidation)
	}

	seen := make(map[float64]bool)
	given := make(map[string]bool, len(labels))
	for _, l := range labels {
		canonical, lo, hi, open, err := parseLabel(l)
		if err != nil {
			return nil, err
		}
		given[canonical] = true
		seen[lo] = true
		if !open {
			seen[hi] = true
		}
	}

	edges := make([]float64, 0, len(seen))
	for e := range seen {
		edges = append(edges, e)
	}
	sort.Float64s(edges)

	implied := BinsToLabels(edges)
	want := make(map[string]bool, len(implied))
	for _, l := range implied {
		want[l] = true
		if !given[l] {
			return nil, fmt.Errorf("%w: distance label %q missing for edges %v", ErrValidation, l, edges)
		}
	}
	for l := range given {
		if !want[l] {
			return nil, fmt.Errorf("%w: distance label %q does not fit edges %v", ErrValidation, l, edges)
		}
	}
	return edges, nil
}

func parseLabel(l string) (canonical string, lo, hi float64, open bool, err error) {
	if m := rangeLabel.FindStringSubmatch(l); m != nil {
		lo, _ = strconv.ParseFloat(m[1], 64)
		hi, _ = strconv.ParseFloat(m[2], 64)
		if hi <= lo {
			return "", 0, 0, false, fmt.Errorf("%w: empty distance range %q", ErrValidation, l)
		}
		return formatEdge(lo) + " - " + formatEdge(hi), lo, hi, false, nil
	}
	if m := openLabel.FindStringSubmatch(l); m != nil {
		lo, _ = strconv.ParseFloat(m[1], 64)
		return formatEdge(lo) + "+", lo, 0, true, nil
	}
	return "", 0, 0, false, fmt.Errorf("%w: malformed distance label %q", ErrValidation, l)
}

// CanonicalLabel normalises spacing and number formatting of a label
func CanonicalLabel(l string) (string, error) {
	c, _, _, _, err := parseLabel(l)
	return c, err
}

// BinsToLabels renders edges as contiguous labels, the last one open-ended
func BinsToLabels(edges []float64) []string {
	if len(edges) == 0 {
		return nil
	}
	out := make([]string, 0, len(edges))
	for i := 0; i < len(edges)-1; i++ {
		out = append(out, formatEdge(edges[i])+" - "+formatEdge(edges[i+1]))
	}
	return append(out, formatEdge(edges[len(edges)-1])+"+")
}

// BinIndex returns the bucket holding distance d, or -1 below the first edge
func BinIndex(edges []float64, d float64) int {
	if len(edges) == 0 || d < edges[0] {
		return -1
	}
	// first edge greater than d, minus one
	i := sort.Search(len(edges), func(i int) bool { return edges[i] > d })
	return i - 1
}
