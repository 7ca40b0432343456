// Package parquet exports benchmark series to Parquet files and reads them
// back.
//
// Each stored measurement becomes one row carrying its suite, its position
// in the suite and the commit metadata of its entry, so exports can be
// queried with SQL and regrouped into entries.
//
// Supported compression: snappy, zstd, lz4, gzip, none.
package parquet
