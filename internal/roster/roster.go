// Package roster imports license requests from spreadsheet rosters for
// batch issuance.
//
// A roster is an .xlsx workbook with a header row naming the columns
// Product, User, Start and End, in any order and case. Other columns are
// ignored. Dates are written as 2006-01-02 or entered as spreadsheet dates.
// The sheet named "Roster" is read when present, otherwise the first sheet.
package roster

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/license"
)

// SheetName is preferred over the first sheet when a workbook has it.
const SheetName = "Roster"

// DateLayout is the textual date format of the Start and End columns.
const DateLayout = "2006-01-02"

const (
	colProduct = "product"
	colUser    = "user"
	colStart   = "start"
	colEnd     = "end"
)

var requiredColumns = []string{colProduct, colUser, colStart, colEnd}

// Load reads the roster workbook at path.
func Load(path string) ([]license.Terms, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()

	terms, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return terms, nil
}

// Read reads a roster workbook from r.
func Read(r io.Reader) ([]license.Terms, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()

	return parse(f)
}

func parse(f *excelize.File) ([]license.Terms, error) {
	sheet := rosterSheet(f)
	if sheet == "" {
		return nil, fmt.Errorf("%w: roster has no sheets", licenseErrors.ErrInvalidTerms)
	}

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}

	headerRow := -1
	for i, row := range rows {
		if !blank(row) {
			headerRow = i
			break
		}
	}
	if headerRow < 0 {
		return nil, fmt.Errorf("%w: sheet %q is empty", licenseErrors.ErrInvalidTerms, sheet)
	}

	columnMap, err := mapColumns(rows[headerRow])
	if err != nil {
		return nil, err
	}

	var terms []license.Terms
	for i := headerRow + 1; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		t, err := parseRow(rows[i], columnMap)
		if err != nil {
			// Spreadsheet rows are numbered from 1.
			return nil, fmt.Errorf("%w: row %d: %v", licenseErrors.ErrInvalidTerms, i+1, err)
		}
		terms = append(terms, t)
	}

	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: roster has no entries", licenseErrors.ErrInvalidTerms)
	}
	return terms, nil
}

func rosterSheet(f *excelize.File) string {
	sheets := f.GetSheetList()
	for _, name := range sheets {
		if strings.EqualFold(strings.TrimSpace(name), SheetName) {
			return name
		}
	}
	if len(sheets) == 0 {
		return ""
	}
	return sheets[0]
}

// mapColumns finds the position of each required column in the header row
func mapColumns(header []string) (map[string]int, error) {
	columnMap := make(map[string]int, len(requiredColumns))
	for i, cell := range header {
		name := strings.ToLower(strings.TrimSpace(cell))
		if !isRequired(name) {
			continue
		}
		if _, dup := columnMap[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", licenseErrors.ErrInvalidTerms, cell)
		}
		columnMap[name] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columnMap[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns: %s", licenseErrors.ErrInvalidTerms, strings.Join(missing, ", "))
	}
	return columnMap, nil
}

func isRequired(name string) bool {
	for _, col := range requiredColumns {
		if col == name {
			return true
		}
	}
	return false
}

func parseRow(row []string, columnMap map[string]int) (license.Terms, error) {
	cell := func(col string) string {
		if i := columnMap[col]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	t := license.Terms{
		ProductName: cell(colProduct),
		UserName:    cell(colUser),
	}
	if t.ProductName == "" {
		return license.Terms{}, fmt.Errorf("product is empty")
	}
	if t.UserName == "" {
		return license.Terms{}, fmt.Errorf("user is empty")
	}

	var err error
	if t.StartDate, err = parseDate(cell(colStart)); err != nil {
		return license.Terms{}, fmt.Errorf("start: %v", err)
	}
	if t.EndDate, err = parseDate(cell(colEnd)); err != nil {
		return license.Terms{}, fmt.Errorf("end: %v", err)
	}
	return t, nil
}

// parseDate accepts 2006-01-02 text or a spreadsheet date serial. Dates are
// midnight UTC.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	if d, err := time.Parse(DateLayout, value); err == nil {
		return d, nil
	}

	serial, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a %s date", value, DateLayout)
	}
	d, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a spreadsheet date: %v", value, err)
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC), nil
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
