package calibration

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

const (
	columnMode      = "mode"
	columnShare     = "share"
	columnDistGroup = "dist_group"
)

// TargetRow is one line of a target distribution
type TargetRow struct {
	Mode      string
	Share     float64
	DistGroup string
	Attrs     map[string]string
}

// unstratified reports whether the row carries neither a distance label
// nor a value for any of attrs
func (r TargetRow) unstratified(attrs []string) bool {
	if r.DistGroup != "" {
		return false
	}
	for _, a := range attrs {
		if r.Attrs[a] != "" {
			return false
		}
	}
	return true
}

// Targets is a target distribution in long format
type Targets []TargetRow

// TargetsFromMap builds a global target distribution from mode shares
func TargetsFromMap(shares map[string]float64) Targets {
	out := make(Targets, 0, len(shares))
	for _, m := range slices.Sorted(maps.Keys(shares)) {
		out = append(out, TargetRow{Mode: m, Share: shares[m]})
	}
	return out
}

// Shares maps modes to shares within one stratum
type Shares map[string]float64

// Sum returns the total share
func (s Shares) Sum() float64 {
	total := 0.0
	for _, v := range s {
		total += v
	}
	return total
}

func normalize(s Shares, where string) (Shares, error) {
	total := s.Sum()
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("%w: target shares of %s sum to %g", ErrConfiguration, where, total)
	}
	out := make(Shares, len(s))
	for m, v := range s {
		out[m] = v / total
	}
	return out, nil
}

// globalShares aggregates unstratified rows, falling back to summing the
// distance-stratified rows when the table has no global rows.
func (t Targets) globalShares(attrs []string) (Shares, error) {
	sum := make(Shares)
	for _, r := range t {
		if r.unstratified(attrs) {
			sum[r.Mode] += r.Share
		}
	}
	if len(sum) == 0 {
		for _, r := range t {
			if r.DistGroup != "" {
				sum[r.Mode] += r.Share
			}
		}
	}
	if len(sum) == 0 {
		// only group rows: every attribute partitions the population, take the first
		if len(attrs) > 0 {
			for _, r := range t {
				if r.Attrs[attrs[0]] != "" {
					sum[r.Mode] += r.Share
				}
			}
		}
	}
	return normalize(sum, "global stratum")
}

// distanceShares aggregates rows per distance label, normalised per bucket
func (t Targets) distanceShares() (map[string]Shares, error) {
	sums := make(map[string]Shares)
	for _, r := range t {
		if r.DistGroup == "" {
			continue
		}
		label, err := CanonicalLabel(r.DistGroup)
		if err != nil {
			return nil, err
		}
		if sums[label] == nil {
			sums[label] = make(Shares)
		}
		sums[label][r.Mode] += r.Share
	}
	out := make(map[string]Shares, len(sums))
	for label, s := range sums {
		n, err := normalize(s, "distance group "+label)
		if err != nil {
			return nil, err
		}
		out[label] = n
	}
	return out, nil
}

// groupShares aggregates rows per (attribute, value), normalised per value
func (t Targets) groupShares(attrs []string) (map[param.Stratum]Shares, error) {
	sums := make(map[param.Stratum]Shares)
	for _, r := range t {
		for _, a := range attrs {
			v := r.Attrs[a]
			if v == "" {
				continue
			}
			s := param.Group(a, v)
			if sums[s] == nil {
				sums[s] = make(Shares)
			}
			sums[s][r.Mode] += r.Share
		}
	}
	out := make(map[param.Stratum]Shares, len(sums))
	for s, sh := range sums {
		n, err := normalize(sh, "group "+s.String())
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

// Modes returns the distinct modes in sorted order
func (t Targets) Modes() []string {
	set := make(map[string]bool)
	for _, r := range t {
		set[r.Mode] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// groupValues returns the distinct non-empty values of attr in sorted order
func (t Targets) groupValues(attr string) []string {
	set := make(map[string]bool)
	for _, r := range t {
		if v := r.Attrs[attr]; v != "" {
			set[v] = true
		}
	}
	return slices.Sorted(maps.Keys(set))
}

func (t Targets) distanceLabels() []string {
	set := make(map[string]bool)
	for _, r := range t {
		if r.DistGroup != "" {
			set[r.DistGroup] = true
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// ReadTargets loads a target distribution from a delimited text file or an
// .xlsx workbook (first sheet). Required columns are "mode" and "share";
// "dist_group" and any further columns are stratification attributes.
func ReadTargets(path string) (Targets, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return readTargetsXLSX(path)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open targets %s: %v", ErrConfiguration, path, err)
		}
		defer f.Close()
		return ParseTargets(f, path)
	}
}

// ParseTargets reads a delimited target table; the delimiter is detected
// from the header line.
func ParseTargets(r io.Reader, name string) (Targets, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read targets %s: %v", ErrConfiguration, name, err)
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	header, _, _ := strings.Cut(text, "\n")

	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = detectDelimiter(header)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse targets %s: %v", ErrConfiguration, name, err)
	}
	return targetsFromRows(rows, name)
}

func readTargetsXLSX(path string) (Targets, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open workbook %s: %v", ErrConfiguration, path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook %s has no sheets", ErrConfiguration, path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sheet %s of %s: %v", ErrConfiguration, sheets[0], path, err)
	}
	return targetsFromRows(rows, path)
}

func detectDelimiter(line string) rune {
	best, bestCount := ',', -1
	for _, d := range []rune{';', ',', '\t'} {
		if c := strings.Count(line, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

func targetsFromRows(rows [][]string, name string) (Targets, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: targets %s are empty", ErrConfiguration, name)
	}
	index := make(map[string]int)
	for i, h := range rows[0] {
		index[strings.TrimSpace(h)] = i
	}
	modeCol, okMode := index[columnMode]
	shareCol, okShare := index[columnShare]
	if !okMode || !okShare {
		return nil, fmt.Errorf("%w: targets %s need %q and %q columns", ErrConfiguration, name, columnMode, columnShare)
	}
	distCol, hasDist := index[columnDistGroup]

	cell := func(row []string, i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var out Targets
	for line, row := range rows[1:] {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		share, err := strconv.ParseFloat(cell(row, shareCol), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: targets %s line %d: invalid share %q", ErrConfiguration, name, line+2, cell(row, shareCol))
		}
		if share < 0 {
			return nil, fmt.Errorf("%w: targets %s line %d: negative share", ErrConfiguration, name, line+2)
		}
		r := TargetRow{Mode: cell(row, modeCol), Share: share}
		if r.Mode == "" {
			return nil, fmt.Errorf("%w: targets %s line %d: empty mode", ErrConfiguration, name, line+2)
		}
		if hasDist {
			r.DistGroup = cell(row, distCol)
		}
		for h, i := range index {
			if h == columnMode || h == columnShare || h == columnDistGroup || h == "" {
				continue
			}
			if r.Attrs == nil {
				r.Attrs = make(map[string]string)
			}
			r.Attrs[h] = cell(row, i)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: targets %s have no rows", ErrConfiguration, name)
	}
	logger.Debug("loaded targets", "source", name, "rows", len(out))
	return out, nil
}

var errNoTargets = errors.New("no targets given")
