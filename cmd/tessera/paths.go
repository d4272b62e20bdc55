package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const envReportDir = "TESSERA_REPORT_DIR"

// stderrIsTTY is a small seam for tests.
var stderrIsTTY = isTTY

// resolveReportOut returns where to write a report's JSON. An explicit --out
// wins; otherwise reports go to $TESSERA_REPORT_DIR when it is set. An empty
// path means the report is not written.
func resolveReportOut(outFlag, family, id string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", err
		}
		return outPath, nil
	}

	outDir := strings.TrimSpace(os.Getenv(envReportDir))
	if outDir == "" {
		return "", nil
	}
	if family == "" || id == "" {
		return "", errors.Errorf("report has no family or id")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(outDir, fmt.Sprintf("%s-%s.json", family, id)), nil
}

// discoverRequestFiles lists the request files of a directory, or returns
// path itself when it names a file.
func discoverRequestFiles(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("request path is empty")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{path}, nil
	}

	ents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Errorf("no .yaml, .yml or .json request files in %s", path)
	}
	return files, nil
}

func isTTY() bool {
	st, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
