// Package stages implements the data-to-report pipeline collaborators as
// pipeline stages: ingest (CSV/JSON from files or HTTP), transform (cleaning
// and dataset summary), insight (AI narrative via Gemini), and render
// (templated report document). Each stage reads its input from the run's
// Context under the producing stage's key and returns its own output.
package stages
