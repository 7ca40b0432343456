// Package storage implements the benchmark history service of benchkeeper.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Ingest    │────▶│   Series    │────▶│   Backend   │
//	│  (Service)  │     │    Store    │     │ doc/WAL/KV  │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │                   │
//	       ▼                   ▼
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Alert     │◀────│  Analyzer   │     │   Parquet   │──▶ DuckDB
//	│   Policy    │     │  (verdicts) │     │   Export    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//
// The service provides:
//   - Durable, idempotent appends of commit entries per suite
//   - Regression verdicts against a moving baseline, cached per commit
//   - An alert action per ingestion (none, notify, fail)
//   - Parquet export of all series and SQL over it with DuckDB
package storage
