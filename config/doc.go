// Package config provides a stage registry and human-readable pipeline
// configuration. A pipeline is declared in YAML as an ordered list of stage
// references; each reference is either a bare stage name or a name plus retry
// and timeout options:
//
//	name: sales-report
//	stages:
//	  - ingest
//	  - name: summarize
//	    max_attempts: 3
//	    backoff: [1s, 5s, 30s]
//	    timeout: 2m
//	  - render
//
// Stage names are resolved against a Registry the caller populates, and
// Build turns the parsed config into a pipeline.Executor.
package config
