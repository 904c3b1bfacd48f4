// Package detect defines the star detector boundary used by the extractor.
package detect

import (
	"context"

	"github.com/nasa-jpl/autofocus/catalog"
)

// Result is the output of one detection run
type Result struct {
	// Raw holds every detected object
	Raw []catalog.Object

	// Cleaned is the subset of Raw suitable for focus measurement
	Cleaned []catalog.Object

	// Diagnostic is free text from the detector, e.g. warnings of an external tool
	Diagnostic string
}

// Detector finds objects in an image
type Detector interface {
	// Schema is the field order of the objects returned by Detect
	Schema() catalog.Schema

	// Detect runs on the image at imagePath.  assocPath is an optional
	// association catalog; "" disables association.  A non-nil error may
	// accompany a partial Result.
	Detect(ctx context.Context, imagePath, assocPath string) (Result, error)
}
