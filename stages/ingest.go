package stages

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avaskys/reportpipe/pipeline"
	"github.com/bmatcuk/doublestar/v4"
)

// IngestError is a data-loading failure. Network failures (transport errors,
// 429, 5xx) are additionally marked transient by the HTTP stage.
type IngestError struct {
	Source string
	Err    error
}

func (e *IngestError) Error() string { return fmt.Sprintf("ingest %s: %v", e.Source, e.Err) }
func (e *IngestError) Unwrap() error { return e.Err }

// ExpandSources resolves doublestar glob patterns against the filesystem and
// returns the matched file paths, sorted and deduplicated.
func ExpandSources(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile loads a table from path, picking the format by extension
// (.csv or .json).
func ReadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, &IngestError{Source: path, Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseCSV(bytes.NewReader(data), path)
	case ".json":
		return parseJSONRecords(data, path)
	default:
		return Table{}, &IngestError{
			Source: path,
			Err:    fmt.Errorf("unsupported file extension %q", filepath.Ext(path)),
		}
	}
}

// NewFileStage returns an ingest stage that loads the table from one local
// file.
func NewFileStage(name, path string) pipeline.Stage {
	return pipeline.NewStage(name, func(ctx context.Context, ec *pipeline.Context) (any, error) {
		t, err := ReadFile(path)
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		return t, nil
	})
}

// NewHTTPStage returns an ingest stage that fetches the table over HTTP. The
// run context bounds the request (timeout and cancellation). Transport
// errors, 429, and 5xx responses are transient; other non-2xx responses are
// permanent. If client is nil, http.DefaultClient is used.
func NewHTTPStage(name string, client *http.Client, url string) pipeline.Stage {
	if client == nil {
		client = http.DefaultClient
	}
	return pipeline.NewStage(name, func(ctx context.Context, ec *pipeline.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, pipeline.Permanent(&IngestError{Source: url, Err: err})
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, pipeline.Transient(&IngestError{Source: url, Err: err})
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			ierr := &IngestError{Source: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, pipeline.Transient(ierr)
			}
			return nil, pipeline.Permanent(ierr)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, pipeline.Transient(&IngestError{Source: url, Err: err})
		}
		var t Table
		if isJSONResponse(resp, url) {
			t, err = parseJSONRecords(body, url)
		} else {
			t, err = parseCSV(bytes.NewReader(body), url)
		}
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		return t, nil
	})
}

func isJSONResponse(resp *http.Response, url string) bool {
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "json") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(url), ".json")
}

func parseCSV(r io.Reader, source string) (Table, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return Table{}, &IngestError{Source: source, Err: err}
	}
	if len(records) == 0 {
		return Table{}, &IngestError{Source: source, Err: fmt.Errorf("empty input")}
	}
	return Table{Columns: records[0], Rows: records[1:]}, nil
}

// parseJSONRecords decodes a JSON array of flat objects. Columns are the
// union of keys in first-seen order; missing keys become missing cells.
func parseJSONRecords(data []byte, source string) (Table, error) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return Table{}, &IngestError{Source: source, Err: fmt.Errorf("decode records: %w", err)}
	}

	var t Table
	index := make(map[string]int)
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(t.Columns)
				t.Columns = append(t.Columns, k)
			}
		}
	}
	for _, rec := range records {
		row := make([]string, len(t.Columns))
		for k, v := range rec {
			row[index[k]] = cellString(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatFloat(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
