/*Package sextractor runs the external SExtractor program as a star detector.

Each run writes a parameter file listing the schema fields, asks for an
ASCII_HEAD catalog and maps the catalog columns back onto the schema using
the catalog header.  Anything SExtractor prints on stderr becomes the
diagnostic of the result.
*/
package sextractor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nasa-jpl/autofocus/catalog"
	"github.com/nasa-jpl/autofocus/detect"
)

// Config holds the location of the SExtractor installation and the schema
type Config struct {
	// Path is the executable; "sex" when empty
	Path string

	// ConfigFile is passed with -c when not empty
	ConfigFile string

	// StarNNW is the neural network file for CLASS_STAR
	StarNNW string

	// Fields is the base schema; DefaultFields when empty
	Fields []string

	Flux         bool
	AssocColumns int
	AssocRadius  float64

	// TempDir holds the parameter and catalog files; os.TempDir() when empty
	TempDir string

	MaxEllipticity float64
	Border         float64
}

// Detector implements detect.Detector
type Detector struct {
	cfg    Config
	schema catalog.Schema
}

// New creates a detector.  The executable is not checked until Detect.
func New(cfg Config) *Detector {
	if cfg.Path == "" {
		cfg.Path = "sex"
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = catalog.DefaultFields
	}
	if cfg.AssocRadius == 0 {
		cfg.AssocRadius = 3
	}
	s := catalog.NewSchema(cfg.Fields...)
	if cfg.Flux {
		s = s.WithFlux()
	}
	if cfg.AssocColumns > 0 {
		s = s.WithAssoc(cfg.AssocColumns)
	}
	return &Detector{cfg: cfg, schema: s}
}

// Schema returns the field order of detected objects
func (d *Detector) Schema() catalog.Schema {
	return d.schema
}

// paramLines lists the parameter file contents; association vectors are a
// single VECTOR_ASSOC(n) entry
func (d *Detector) paramLines() []string {
	var out []string
	for _, f := range d.schema.Fields() {
		if strings.HasPrefix(f, "VECTOR_ASSOC(") {
			continue
		}
		if f == catalog.NumberAssoc {
			out = append(out, catalog.VectorAssoc(d.cfg.AssocColumns))
		}
		out = append(out, f)
	}
	return out
}

// Args returns the command line for imagePath
func (d *Detector) Args(imagePath, assocPath, paramFile, catFile string) []string {
	args := []string{imagePath}
	if d.cfg.ConfigFile != "" {
		args = append(args, "-c", d.cfg.ConfigFile)
	}
	args = append(args,
		"-PARAMETERS_NAME", paramFile,
		"-CATALOG_NAME", catFile,
		"-CATALOG_TYPE", "ASCII_HEAD",
		"-VERBOSE_TYPE", "QUIET")
	if d.cfg.StarNNW != "" {
		args = append(args, "-STARNNW_NAME", d.cfg.StarNNW)
	}
	if assocPath != "" && d.cfg.AssocColumns > 0 {
		cols := make([]string, d.cfg.AssocColumns)
		for i := range cols {
			cols[i] = strconv.Itoa(i + 1)
		}
		args = append(args,
			"-ASSOC_NAME", assocPath,
			"-ASSOC_PARAMS", "3,4",
			"-ASSOC_DATA", strings.Join(cols, ","),
			"-ASSOC_RADIUS", strconv.FormatFloat(d.cfg.AssocRadius, 'f', -1, 64),
			"-ASSOC_TYPE", "NEAREST",
			"-ASSOCSELEC_TYPE", "MATCHED")
	}
	return args
}

// Detect runs SExtractor on imagePath
func (d *Detector) Detect(ctx context.Context, imagePath, assocPath string) (detect.Result, error) {
	dir, err := os.MkdirTemp(d.cfg.TempDir, "sextractor-")
	if err != nil {
		return detect.Result{}, err
	}
	defer os.RemoveAll(dir)
	paramFile := filepath.Join(dir, "catalog.param")
	catFile := filepath.Join(dir, "catalog.cat")
	err = os.WriteFile(paramFile, []byte(strings.Join(d.paramLines(), "\n")+"\n"), 0644)
	if err != nil {
		return detect.Result{}, err
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.Path, d.Args(imagePath, assocPath, paramFile, catFile)...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	res := detect.Result{Diagnostic: strings.TrimSpace(stderr.String())}
	f, err := os.Open(catFile)
	if err != nil {
		if runErr != nil {
			return res, fmt.Errorf("sextractor: %w", runErr)
		}
		return res, err
	}
	defer f.Close()
	res.Raw, err = d.Parse(f)
	if err != nil {
		return res, err
	}
	cl := catalog.Cleaner{MaxEllipticity: d.cfg.MaxEllipticity}
	res.Cleaned, err = cl.Clean(d.schema, res.Raw)
	if err == nil && runErr != nil {
		err = fmt.Errorf("sextractor: %w", runErr)
	}
	return res, err
}

// Parse reads an ASCII_HEAD catalog into objects ordered per the schema
func (d *Detector) Parse(r io.Reader) ([]catalog.Object, error) {
	cols := map[string]int{}
	var objs []catalog.Object
	fields := d.schema.Fields()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			parts := strings.Fields(line[1:])
			if len(parts) < 2 {
				continue
			}
			col, err := strconv.Atoi(parts[0])
			if err != nil {
				continue
			}
			cols[parts[1]] = col - 1
			continue
		}
		vals := strings.Fields(line)
		o := make(catalog.Object, len(fields))
		for i, f := range fields {
			c, err := column(cols, f)
			if err != nil {
				return nil, err
			}
			if c >= len(vals) {
				return nil, fmt.Errorf("sextractor: row has %d columns, %s is at %d", len(vals), f, c+1)
			}
			o[i], err = strconv.ParseFloat(vals[c], 64)
			if err != nil {
				return nil, fmt.Errorf("sextractor: %s: %w", f, err)
			}
		}
		objs = append(objs, o)
	}
	return objs, sc.Err()
}

// column finds the catalog column of field.  Vector fields such as
// VECTOR_ASSOC(2) are offsets from the column of their base name.
func column(cols map[string]int, field string) (int, error) {
	if c, ok := cols[field]; ok {
		return c, nil
	}
	if i := strings.IndexByte(field, '('); i > 0 && strings.HasSuffix(field, ")") {
		n, err := strconv.Atoi(field[i+1 : len(field)-1])
		if err == nil {
			if c, ok := cols[field[:i]]; ok {
				return c + n - 1, nil
			}
		}
	}
	return 0, fmt.Errorf("sextractor: %w in catalog header: %s", catalog.ErrUnknownField, field)
}
