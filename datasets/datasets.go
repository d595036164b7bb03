// Package datasets gives access to recorded driving sessions for place
// recognition: a catalog of every recorded position (SampleIndex), its
// deterministic partition into train, val and test subsets (SplitPolicy,
// Subset), and PlaceRecognitionDataset, which decodes the requested sensor
// modalities of an entry only when it is accessed.
//
// A dataset root holds one directory per recorded session:
//
//	<root>/<session>/track.csv              timestamp, northing, easting, <modality>_ts...
//	<root>/<session>/<modality>/<ts>.<ext>  one artifact per recorded timestamp
//
// A root holding a track.csv itself is read as a single session.
//
// Nothing is decoded while the catalog is built: the track files only record
// where each artifact lives, and the decoders read them through a
// storage.Store on access. Samples are converted to gomlx tensors, and
// batches can be fed to gomlx training loops through the loader package.
package datasets

// Dataset is a lazily decoded, fixed size collection of samples.
type Dataset interface {
	// Name identifies the dataset in logs.
	Name() string

	// Len returns the number of samples.
	Len() int

	// Get decodes the sample at position k, in [0, Len()).
	Get(k int) (*Sample, error)

	// Batch decodes and collates the samples at the given positions.
	Batch(positions []int) (*Batch, error)
}
