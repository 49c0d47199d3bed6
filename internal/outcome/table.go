// Package outcome reads simulator output tables and turns them into
// observed shares recorded on the completed trial.
package outcome

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

var (
	ErrMissingColumn = errors.New("missing required column")
	ErrEmptyTable    = errors.New("table has no rows")
)

// Columns names the fields read from the trip and person tables
type Columns struct {
	TripID       string
	PersonID     string
	Mode         string
	FallbackMode string
	Distance     string
	// Groups are person attributes carried onto each trip
	Groups []string
}

// DefaultColumns matches the usual simulator trip output
func DefaultColumns() Columns {
	return Columns{
		TripID:       "trip_id",
		PersonID:     "person",
		Mode:         "main_mode",
		FallbackMode: "longest_distance_mode",
		Distance:     "traveled_distance",
	}
}

// Record is one trip joined with its person's attributes
type Record struct {
	Trip     string
	Person   string
	Mode     string
	Distance float64
	Attrs    map[string]string
}

// Table is the joined trip table of one trial
type Table struct {
	Records []Record
}

// Filter selects records for a stratum
type Filter func(*Record) bool

// Shares returns the normalised mode frequency among records matching
// filter, and the number of matching records.
func (t *Table) Shares(filter Filter) (map[string]float64, int) {
	counts := make(map[string]float64)
	n := 0
	for i := range t.Records {
		r := &t.Records[i]
		if filter != nil && !filter(r) {
			continue
		}
		counts[r.Mode]++
		n++
	}
	if n == 0 {
		return counts, 0
	}
	for m := range counts {
		counts[m] /= float64(n)
	}
	return counts, n
}

// Distances returns the distances of records matching filter
func (t *Table) Distances(filter Filter) []float64 {
	var out []float64
	for i := range t.Records {
		if filter == nil || filter(&t.Records[i]) {
			out = append(out, t.Records[i].Distance)
		}
	}
	return out
}

// frame is a header plus rows read from a delimited file
type frame struct {
	header map[string]int
	rows   [][]string
}

// col returns the index of column name, -1 when name is empty or absent
func (f *frame) col(name string) (int, bool) {
	if name == "" {
		return -1, false
	}
	i, ok := f.header[name]
	if !ok {
		return -1, false
	}
	return i, true
}

func (f *frame) require(path string, names ...string) error {
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := f.header[n]; !ok {
			return fmt.Errorf("%w: %s in %s", ErrMissingColumn, n, path)
		}
	}
	return nil
}

// detectDelimiter picks the most frequent of ; , and tab in the header line
func detectDelimiter(line string) rune {
	best, bestCount := ',', -1
	for _, d := range []rune{';', ',', '\t'} {
		if c := strings.Count(line, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

// readFrame reads a delimited, optionally gzip-compressed, file
func readFrame(path string) (*frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return parseFrame(r, path)
}

func parseFrame(r io.Reader, name string) (*frame, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	headerLine, _, _ := strings.Cut(string(first), "\n")

	cr := csv.NewReader(br)
	cr.Comma = detectDelimiter(headerLine)
	cr.ReuseRecord = false
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTable, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", name, err)
	}
	fr := &frame{header: make(map[string]int, len(header))}
	for i, h := range header {
		fr.header[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		fr.rows = append(fr.rows, row)
	}
	return fr, nil
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Load reads the trip table and, when personsPath is set, joins person
// attributes onto every trip.
func Load(tripsPath, personsPath string, cols Columns) (*Table, error) {
	trips, err := readFrame(tripsPath)
	if err != nil {
		return nil, err
	}
	if err := trips.require(tripsPath, cols.PersonID, cols.Mode, cols.Distance); err != nil {
		return nil, err
	}

	if len(cols.Groups) > 0 && (cols.PersonID == "" || personsPath == "") {
		return nil, fmt.Errorf("%w: person table and id column needed to join %v", ErrMissingColumn, cols.Groups)
	}

	persons := make(map[string]map[string]string)
	if len(cols.Groups) > 0 {
		pf, err := readFrame(personsPath)
		if err != nil {
			return nil, err
		}
		if err := pf.require(personsPath, append([]string{cols.PersonID}, cols.Groups...)...); err != nil {
			return nil, err
		}
		pid, _ := pf.col(cols.PersonID)
		for _, row := range pf.rows {
			attrs := make(map[string]string, len(cols.Groups))
			for _, g := range cols.Groups {
				i, _ := pf.col(g)
				attrs[g] = field(row, i)
			}
			persons[field(row, pid)] = attrs
		}
	}

	return join(trips, persons, cols), nil
}

func join(trips *frame, persons map[string]map[string]string, cols Columns) *Table {
	pid, _ := trips.col(cols.PersonID)
	mode, _ := trips.col(cols.Mode)
	dist, hasDist := trips.col(cols.Distance)
	tid, _ := trips.col(cols.TripID)
	fallback, hasFallback := trips.col(cols.FallbackMode)

	tab := &Table{Records: make([]Record, 0, len(trips.rows))}
	backfilled, dropped, orphans := 0, 0, 0
	for _, row := range trips.rows {
		rec := Record{
			Trip:   field(row, tid),
			Person: field(row, pid),
			Mode:   field(row, mode),
		}
		if rec.Mode == "" && hasFallback {
			rec.Mode = field(row, fallback)
			backfilled++
		}
		if rec.Mode == "" {
			dropped++
			continue
		}
		if hasDist {
			if d, err := strconv.ParseFloat(field(row, dist), 64); err == nil {
				rec.Distance = d
			}
		}

		if len(cols.Groups) > 0 {
			attrs, ok := persons[rec.Person]
			if !ok {
				orphans++
				attrs = map[string]string{}
			}
			rec.Attrs = attrs
		}
		tab.Records = append(tab.Records, rec)
	}

	if backfilled > 0 {
		logger.Debug("backfilled trip modes from fallback field", "field", cols.FallbackMode, "count", backfilled)
	}
	if dropped > 0 {
		logger.Warn("dropped trips without mode", "count", dropped)
	}
	if orphans > 0 {
		logger.Warn("trips without matching person", "count", orphans)
	}
	return tab
}
