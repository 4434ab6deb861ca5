package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure represents a scenario that failed to load, run or pass.
type SuiteFailure struct {
	ScenarioPath string   `json:"scenario_path"`
	Errors       []string `json:"errors"`
}

// DiscoverScenarios returns every .yaml and .yml file directly under dir,
// sorted by name. A path naming a single file is returned as is.
func DiscoverScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(path, entry.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// RunSuite loads and runs every scenario in paths. Each scenario gets a
// fresh backend unless opts.DBPath names a shared one.
func RunSuite(paths []string, opts Options) *SuiteResult {
	result := &SuiteResult{}
	for _, path := range paths {
		result.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(path, err.Error())
			continue
		}
		res, err := RunWith(scenario, opts)
		if err != nil {
			result.fail(path, err.Error())
			continue
		}
		if !res.Pass {
			result.fail(path, res.Errors...)
			continue
		}
		result.Passed++
	}
	return result
}

func (r *SuiteResult) fail(path string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, SuiteFailure{ScenarioPath: path, Errors: errs})
}
