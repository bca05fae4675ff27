// Package export converts session files into spreadsheet workbooks.
package export

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ulikunitz/xz"
	"github.com/xuri/excelize/v2"

	"github.com/e7canasta/rigcap/internal/datalog"
	"github.com/e7canasta/rigcap/internal/serialio"
)

// Sheet names
const (
	SheetData   = "data"
	SheetTrials = "trials"
)

// DataHeader names the eight data columns
var DataHeader = []string{
	"eventType",
	"value",
	"currentStateMachine",
	"currentTrainingProtocol",
	"stateMachineElapsedMs",
	"unixEpochSec",
	"dailyIntake",
	"weeklyIntake",
}

// Options controls an export
type Options struct {
	// Verify checks the END trailer before exporting
	Verify bool
	// Force overwrites an existing workbook
	Force bool
}

// Result describes one exported session
type Result struct {
	Output    string
	DataRows  int
	TrialRows int
	Skipped   int
	Trailer   *datalog.Trailer
}

// Session writes <base>.xlsx next to datPath, which may be .dat or .dat.xz
func Session(datPath string, opts Options) (Result, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(datPath, datalog.ExtXZ), datalog.ExtData)
	out := base + ".xlsx"
	res := Result{Output: out}

	if _, err := os.Stat(out); err == nil && !opts.Force {
		return res, fmt.Errorf("export: refusing to overwrite existing file %s", out)
	}

	dat, err := ReadMaybeXZ(datPath)
	if err != nil {
		return res, err
	}
	trial, err := readSummary(base)
	if err != nil {
		return res, err
	}

	if opts.Verify {
		tr, err := datalog.Verify(dat, trial)
		if err != nil {
			return res, fmt.Errorf("export: %s: %w", datPath, err)
		}
		res.Trailer = &tr
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetData); err != nil {
		return res, err
	}
	res.DataRows, res.Skipped, err = writeSheet(f, SheetData, DataHeader, dat, true)
	if err != nil {
		return res, err
	}

	if trial != nil {
		if _, err := f.NewSheet(SheetTrials); err != nil {
			return res, err
		}
		res.TrialRows, _, err = writeSheet(f, SheetTrials, strings.Split(serialio.SummaryHeader, ","), trial, false)
		if err != nil {
			return res, err
		}
	}

	tmp := out + ".tmp.xlsx"
	if err := f.SaveAs(tmp); err != nil {
		return res, fmt.Errorf("export: save %s: %w", out, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return res, fmt.Errorf("export: publish %s: %w", out, err)
	}

	slog.Info("export: session exported",
		"output", out,
		"data_rows", res.DataRows,
		"trial_rows", res.TrialRows,
		"skipped", res.Skipped)
	return res, nil
}

// Dir exports every session data file under root
func Dir(root string, opts Options) ([]Result, error) {
	var matches []string
	for _, ext := range []string{datalog.ExtData, datalog.ExtData + datalog.ExtXZ} {
		m, err := doublestar.FilepathGlob(filepath.Join(root, "**", "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("export: pattern matching failed: %w", err)
		}
		matches = append(matches, m...)
	}
	sort.Strings(matches)

	var results []Result
	var errs []error
	for _, m := range matches {
		res, err := Session(m, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// ReadMaybeXZ reads path, decompressing it when it ends in .xz
func ReadMaybeXZ(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", path, err)
	}
	if !strings.HasSuffix(path, datalog.ExtXZ) {
		return raw, nil
	}
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("export: open xz %s: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("export: decompress %s: %w", path, err)
	}
	return data, nil
}

// readSummary returns the summary file of a session, or nil when it has none
func readSummary(base string) ([]byte, error) {
	for _, p := range []string{base + datalog.ExtSummary, base + datalog.ExtSummary + datalog.ExtXZ} {
		if _, err := os.Stat(p); err == nil {
			return ReadMaybeXZ(p)
		}
	}
	return nil, nil
}

// writeSheet streams CSV lines into sheet. With sentinels set, ROTATE and END
// rows are skipped; otherwise a first line equal to the header is dropped.
func writeSheet(f *excelize.File, sheet string, header []string, data []byte, sentinels bool) (rows, skipped int, err error) {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return 0, 0, err
	}
	if err := sw.SetRow("A1", cells(header)); err != nil {
		return 0, 0, err
	}

	joined := strings.Join(header, ",")
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), serialio.DefaultMaxLine)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first && !sentinels && line == joined {
			first = false
			continue
		}
		first = false
		if sentinels && datalog.IsSentinel(line) {
			skipped++
			continue
		}

		fields := strings.Split(line, ",")
		cell, err := excelize.CoordinatesToCellName(1, rows+2)
		if err != nil {
			return rows, skipped, err
		}
		if err := sw.SetRow(cell, cells(fields)); err != nil {
			return rows, skipped, err
		}
		rows++
	}
	if err := sc.Err(); err != nil {
		return rows, skipped, err
	}
	return rows, skipped, sw.Flush()
}

// cells converts fields to numbers where they parse as numbers
func cells(fields []string) []interface{} {
	out := make([]interface{}, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if n, err := strconv.ParseInt(f, 10, 64); err == nil {
			out[i] = n
		} else if v, err := strconv.ParseFloat(f, 64); err == nil {
			out[i] = v
		} else {
			out[i] = f
		}
	}
	return out
}
