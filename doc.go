// Package unthin reconciles thin project archives against shared
// dependency storage.
//
// A thin archive ships source and configuration only. Its manifest lists
// binary dependencies by SHA-1 and repository coordinate. [Unthinner.Run]
// decides which of those dependencies are already known-good, downloads
// the rest, lets a validator inspect the assembled project, persists the
// dependencies the validator left untouched, and records the outcomes in a
// validation status cache so later uploads with the same validation key
// skip the work.
//
// # Usage
//
//	u, err := unthin.New(cache, downloader, store, validators,
//	    unthin.WithLogger(logger),
//	    unthin.WithDownloadWorkers(8),
//	)
//	if err != nil {
//	    return err
//	}
//	reports, err := u.Run(ctx, project, dir, filepath.Join(dir, "startup-dependencies.json"), nil)
//	if err != nil {
//	    return err // *UploadError
//	}
//	if validation.HasError(reports) {
//	    // project rejected; nothing was persisted
//	}
//
// # Consistency
//
// Blob storage and the status cache fail independently and are shared by
// every server process. A dependency is recorded VALID only after this run
// observed its blob CLOSED, either because it already was or because this
// run's own write completed. A write that loses a race to another writer
// leaves the dependency uncached; a later upload records it once the blob
// is closed.
package unthin
