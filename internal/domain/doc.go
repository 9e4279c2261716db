// Package domain holds the types shared by the ingestion components: sources
// and their items, resume cursors, run and job state, and the per-source and
// per-group result types collected across fan-outs.
package domain
