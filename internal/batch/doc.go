// Package batch splits a record set into fixed-size chunks and runs them with
// bounded concurrency.
//
// Items inside a chunk run sequentially, chunks run in parallel up to the
// configured limit. A failing or panicking item is recorded against its index
// and never stops sibling items or other chunks: Process returns only after
// every chunk has finished.
package batch
