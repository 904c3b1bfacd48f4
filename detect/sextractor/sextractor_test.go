package sextractor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/nasa-jpl/autofocus/catalog"
)

const sampleCatalog = `#   1 NUMBER                 Running object number
#   2 EXT_NUMBER             FITS extension number
#   3 X_IMAGE                Object position along x                                    [pixel]
#   4 Y_IMAGE                Object position along y                                    [pixel]
#   5 MAG_BEST               Best of MAG_AUTO and MAG_ISOCOR                            [mag]
#   6 FLAGS                  Extraction flags
#   7 CLASS_STAR             S/G classifier output
#   8 FWHM_IMAGE             FWHM assuming a gaussian core                              [pixel]
#   9 A_IMAGE                Profile RMS along major axis                               [pixel]
#  10 B_IMAGE                Profile RMS along minor axis                               [pixel]
#  11 VECTOR_ASSOC           ASSOCiated parameter vector
#  13 NUMBER_ASSOC           Number of ASSOCiated IDs
         1 1    100.0    200.0  -9.5   0 0.98  3.1  1.2  1.1   7 8  1
         2 1    300.0    400.0  -8.5  16 0.02  9.0  3.0  1.0   9 10 2
`

func TestParseMapsVectorColumns(t *testing.T) {
	d := New(Config{AssocColumns: 2})
	objs, err := d.Parse(strings.NewReader(sampleCatalog))
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}
	s := d.Schema()
	if v, _ := s.Get(objs[0], catalog.FWHMImage); v != 3.1 {
		t.Errorf("expected FWHM 3.1, got %v", v)
	}
	if v, _ := s.Get(objs[1], catalog.VectorAssoc(2)); v != 10 {
		t.Errorf("expected VECTOR_ASSOC(2) 10, got %v", v)
	}
	if v, _ := s.Get(objs[1], catalog.NumberAssoc); v != 2 {
		t.Errorf("expected NUMBER_ASSOC 2, got %v", v)
	}
}

func TestParseMissingColumn(t *testing.T) {
	d := New(Config{Flux: true})
	if _, err := d.Parse(strings.NewReader(sampleCatalog)); err == nil {
		t.Error("expected an error for FLUX_MAX missing from the catalog")
	}
}

func TestParamLinesCollapseAssocVector(t *testing.T) {
	d := New(Config{AssocColumns: 3})
	lines := d.paramLines()
	tail := strings.Join(lines[len(lines)-2:], " ")
	if tail != "VECTOR_ASSOC(3) NUMBER_ASSOC" {
		t.Errorf("unexpected param tail %q", tail)
	}
}

func TestArgsAssoc(t *testing.T) {
	d := New(Config{ConfigFile: "rts2saf.sex", AssocColumns: 2})
	args := strings.Join(d.Args("a.fits", "assoc.lis", "p", "c"), " ")
	for _, want := range []string{"a.fits -c rts2saf.sex", "-ASSOC_NAME assoc.lis", "-ASSOC_DATA 1,2", "-CATALOG_TYPE ASCII_HEAD"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q lack %q", args, want)
		}
	}
	if strings.Contains(strings.Join(d.Args("a.fits", "", "p", "c"), " "), "ASSOC") {
		t.Error("association arguments present without an association catalog")
	}
}

func TestDetectWithFakeExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script executable")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"-CATALOG_NAME\" ]; then out=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"cat > \"$out\" <<'EOF'\n" + sampleCatalog + "EOF\n" +
		"echo 'WARNING: fake sextractor' >&2\n"
	exe := filepath.Join(dir, "sex")
	if err := os.WriteFile(exe, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	d := New(Config{Path: exe, AssocColumns: 2, TempDir: dir})
	res, err := d.Detect(context.Background(), "a.fits", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Raw) != 2 || len(res.Cleaned) != 1 {
		t.Errorf("expected 2 raw and 1 cleaned objects, got %d and %d", len(res.Raw), len(res.Cleaned))
	}
	if res.Diagnostic != "WARNING: fake sextractor" {
		t.Errorf("unexpected diagnostic %q", res.Diagnostic)
	}
}
