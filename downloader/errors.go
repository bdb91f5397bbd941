package downloader

import "fmt"

// ErrURLMissingFilename is returned when the download response does not provide a filename
type ErrURLMissingFilename struct {
	URL string
}

func (e ErrURLMissingFilename) Error() string {
	return fmt.Sprintf("unable to get the filename of %s: missing Content-Disposition", e.URL)
}

// ErrSizeMismatch is returned when the downloaded file does not have the declared size
type ErrSizeMismatch struct {
	File     string
	Expected int64
	Actual   int64
}

func (e ErrSizeMismatch) Error() string {
	return fmt.Sprintf("downloaded file %s has a different size: expected %d, got %d", e.File, e.Expected, e.Actual)
}

// ErrMissingMetadata is returned when a mandatory member of the archive cannot be found
type ErrMissingMetadata struct {
	Archive string
	Member  string
}

func (e ErrMissingMetadata) Error() string {
	return fmt.Sprintf("%s not found in %s", e.Member, e.Archive)
}

// ErrCannotCreateCatalogItem is returned when neither the metadata nor the pre-generated item can be used
type ErrCannotCreateCatalogItem struct {
	DisplayID string
	Cause     error
	// Fallback is the error of the pre-generated item, nil if the scene has none
	Fallback error
}

func (e ErrCannotCreateCatalogItem) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("unable to create the catalog item of %s: %v (no pre-generated item)", e.DisplayID, e.Cause)
	}
	return fmt.Sprintf("unable to create the catalog item of %s: %v (pre-generated item: %v)", e.DisplayID, e.Cause, e.Fallback)
}

func (e ErrCannotCreateCatalogItem) Unwrap() error { return e.Cause }
