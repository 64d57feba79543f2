// Package rundict reads run dictionaries, the CSV property tables describing
// a single acquisition, and creates the output folders named after them.
package rundict

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Keys with a meaning outside of a single acquisition.
const (
	KeyAcquisition         = "Acquisition"
	KeyExperimentName      = "Experiment Name"
	KeyExperimentNameAddon = "Experiment Name Addon"
	KeyBinaryTraces        = "Binary Traces"
	KeyQuenches            = "Quenches"
)

// MandatoryKeys are needed to name the output folder.
var MandatoryKeys = []string{KeyExperimentName, KeyExperimentNameAddon}

var (
	ErrFormat     = errors.New("run dictionary does not have proper format")
	ErrMissingKey = errors.New("missing key")
)

// Dictionary is an ordered Property -> Value table.
type Dictionary struct {
	Path   string
	values map[string]string
	keys   []string // file order
	order  []string // Order column, if present
}

// Load reads a run dictionary file.
func Load(path string) (Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dictionary{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	d, err := Parse(f)
	if err != nil {
		return Dictionary{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// Parse reads CSV with a header containing the Property and Value columns
// and an optional Order column.
func Parse(r io.Reader) (Dictionary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return Dictionary{}, err
	}
	if len(records) == 0 {
		return Dictionary{}, ErrFormat
	}

	header := records[0]
	prop := slices.Index(header, "Property")
	val := slices.Index(header, "Value")
	ord := slices.Index(header, "Order")
	if prop < 0 || val < 0 {
		return Dictionary{}, ErrFormat
	}

	d := Dictionary{values: make(map[string]string, len(records)-1)}
	orders := make(map[int]string)
	for _, rec := range records[1:] {
		if prop >= len(rec) || rec[prop] == "" {
			continue
		}
		key := rec[prop]
		var value string
		if val < len(rec) {
			value = rec[val]
		}
		if _, dup := d.values[key]; !dup {
			d.keys = append(d.keys, key)
		}
		d.values[key] = value
		if ord >= 0 && ord < len(rec) {
			if n, err := strconv.Atoi(strings.TrimSpace(rec[ord])); err == nil {
				orders[n] = key
			}
		}
	}
	if len(orders) > 0 {
		idx := make([]int, 0, len(orders))
		for n := range orders {
			idx = append(idx, n)
		}
		slices.Sort(idx)
		for _, n := range idx {
			d.order = append(d.order, orders[n])
		}
	}
	return d, nil
}

// FromMap builds a dictionary in memory, keys are sorted.
func FromMap(m map[string]string) Dictionary {
	d := Dictionary{values: make(map[string]string, len(m))}
	for k, v := range m {
		d.values[k] = v
		d.keys = append(d.keys, k)
	}
	slices.Sort(d.keys)
	return d
}

func (d Dictionary) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

func (d Dictionary) Get(key string) (string, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Value returns the value of key or an empty string.
func (d Dictionary) Value(key string) string {
	return d.values[key]
}

func (d Dictionary) Int(key string) (int, error) {
	v, ok := d.values[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Bool follows the spreadsheet convention of the literal True.
func (d Dictionary) Bool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(d.values[key]), "true")
}

func (d Dictionary) Duration(key string, dflt time.Duration) (time.Duration, error) {
	v, ok := d.values[key]
	if !ok || v == "" {
		return dflt, nil
	}
	return time.ParseDuration(v)
}

func (d Dictionary) Keys() []string {
	return slices.Clone(d.keys)
}

// Missing returns the keys which are not present.
func (d Dictionary) Missing(keys ...string) []string {
	var ret []string
	for _, k := range keys {
		if !d.Has(k) {
			ret = append(ret, k)
		}
	}
	return ret
}

// CommentHeader renders the dictionary as "# key = value" lines in the
// Order column sequence, or file order without one.
func (d Dictionary) CommentHeader() string {
	keys := d.order
	if len(keys) == 0 {
		keys = d.keys
	}
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "# %s = %s\n", k, d.values[k])
	}
	return sb.String()
}
