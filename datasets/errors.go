package datasets

import (
	"fmt"
	"strings"
)

// CatalogError reports missing or malformed root-level metadata found while
// building a SampleIndex. It is fatal to the dataset being constructed.
type CatalogError struct {
	Root    string
	Session string // empty when the problem is not specific to one session
	Row     int    // 1-based data row within track.csv, 0 if not row specific
	Reason  string
	Err     error
}

func (e *CatalogError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "catalog error in dataset_root=%q", e.Root)
	if e.Session != "" {
		fmt.Fprintf(&b, " session=%q", e.Session)
	}
	if e.Row > 0 {
		fmt.Fprintf(&b, " row=%d", e.Row)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CatalogError) Unwrap() error { return e.Err }

// UnknownSubsetError is returned when a subset name is not one of Subsets.
type UnknownSubsetError struct {
	Root   string
	Subset string
}

func (e *UnknownSubsetError) Error() string {
	return fmt.Sprintf("unknown subset %q for dataset_root=%q: must be one of %v", e.Subset, e.Root, Subsets)
}

// UnknownModalityError is returned when a requested modality is not in the
// dataset's modality registry.
type UnknownModalityError struct {
	Root     string
	Modality string
	Known    []string
}

func (e *UnknownModalityError) Error() string {
	return fmt.Sprintf("unknown modality %q for dataset_root=%q: known modalities are %v", e.Modality, e.Root, e.Known)
}

// IndexRangeError is returned by Get for positions outside [0, Len()).
type IndexRangeError struct {
	Subset string
	Index  int
	Len    int
}

func (e *IndexRangeError) Error() string {
	return fmt.Sprintf("index %d out of range [0, %d) for subset %q", e.Index, e.Len, e.Subset)
}

// DecodeError reports that one modality of one entry could not be decoded.
// Idx is the global entry index, or -1 when the decoder was called outside a
// dataset.
type DecodeError struct {
	Modality string
	Ref      string
	Idx      int
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Idx >= 0 {
		return fmt.Sprintf("failed to decode modality %q for idx=%d (ref %q): %v", e.Modality, e.Idx, e.Ref, e.Err)
	}
	return fmt.Sprintf("failed to decode modality %q (ref %q): %v", e.Modality, e.Ref, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
