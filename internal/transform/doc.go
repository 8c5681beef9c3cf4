// Package transform holds the payload transformers applied between the source
// and the destination. A transformer maps one record to zero or more records;
// zero means the record is dropped while its offset still advances.
// Transformers run either in-process or as remote gRPC plugins.
package transform
