// Package report renders the per-technician daily sales summary as an xlsx
// workbook.
package report

import (
	"bytes"
	"fmt"
	"time"

	"salon/salon-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Daily Sales"

var headers = []string{"Technician", "Services", "Total"}

func Total(rows []models.TechnicianSales) decimal.Decimal {
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Total)
	}
	return total
}

// DailySalesXLSX returns the encoded workbook for day: a title row, a header
// row, one row per technician and a closing total row.
func DailySalesXLSX(day time.Time, rows []models.TechnicianSales) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E5CCFF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		return nil, fmt.Errorf("money style: %w", err)
	}

	if err := f.SetCellValue(sheetName, "A1", "Sales for "+day.Format("2006-01-02")); err != nil {
		return nil, err
	}
	for col, header := range headers {
		if err := setCell(f, col+1, 2, header); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(sheetName, "A2", "C2", headerStyle); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	row := 3
	for _, sales := range rows {
		if err := setRow(f, row, sales.TechnicianName, sales.Services, sales.Total); err != nil {
			return nil, err
		}
		row++
	}
	services := 0
	for _, sales := range rows {
		services += sales.Services
	}
	if err := setRow(f, row, "Total", services, Total(rows)); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetName, "C3", fmt.Sprintf("C%d", row), moneyStyle); err != nil {
		return nil, fmt.Errorf("apply money style: %w", err)
	}
	if err := f.SetColWidth(sheetName, "A", "A", 24); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, row int, name string, services int, total decimal.Decimal) error {
	if err := setCell(f, 1, row, name); err != nil {
		return err
	}
	if err := setCell(f, 2, row, services); err != nil {
		return err
	}
	return setCell(f, 3, row, total.InexactFloat64())
}

func setCell(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheetName, cell, value); err != nil {
		return fmt.Errorf("set %s: %w", cell, err)
	}
	return nil
}
