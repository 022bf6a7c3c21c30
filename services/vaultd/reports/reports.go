package reports

import (
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"vaultchain/native/treasury"
)

// Row is one account position on one rebasing asset.
type Row struct {
	Asset      string
	Underlying string
	Account    string
	Balance    *big.Int
	Free       *big.Int
	Locked     *big.Int
	Principal  *big.Int
	Yield      *big.Int
	SnapshotAt time.Time
}

// Collect snapshots every holder of every controller. Rows are ordered by
// asset then account.
func Collect(controllers []*treasury.Controller, now time.Time) []Row {
	var rows []Row
	for _, c := range controllers {
		for _, h := range c.Ledger().Holdings() {
			rows = append(rows, Row{
				Asset:      c.Symbol(),
				Underlying: c.Asset(),
				Account:    h.Account.String(),
				Balance:    h.Balance,
				Free:       h.Free,
				Locked:     h.Locked,
				Principal:  h.Principal,
				Yield:      h.Yield,
				SnapshotAt: now.UTC(),
			})
		}
	}
	return rows
}

type parquetRow struct {
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Underlying string `parquet:"name=underlying, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance    string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Free       string `parquet:"name=free, type=BYTE_ARRAY, convertedtype=UTF8"`
	Locked     string `parquet:"name=locked, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal  string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Yield      string `parquet:"name=yield, type=BYTE_ARRAY, convertedtype=UTF8"`
	SnapshotAt string `parquet:"name=snapshot_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toParquet(row Row) *parquetRow {
	return &parquetRow{
		Asset:      row.Asset,
		Underlying: row.Underlying,
		Account:    row.Account,
		Balance:    amount(row.Balance),
		Free:       amount(row.Free),
		Locked:     amount(row.Locked),
		Principal:  amount(row.Principal),
		Yield:      amount(row.Yield),
		SnapshotAt: row.SnapshotAt.UTC().Format(time.RFC3339),
	}
}

// WriteYieldReport writes rows as a snappy compressed parquet file.
func WriteYieldReport(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("reports: create dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(toParquet(row)); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reports: close parquet file: %w", err)
	}
	return nil
}

// WriteYieldCSV writes rows as CSV alongside the parquet export.
func WriteYieldCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create csv: %w", err)
	}
	w := csv.NewWriter(file)
	header := []string{"asset", "underlying", "account", "balance", "free", "locked", "principal", "yield", "snapshot_at"}
	if err := w.Write(header); err != nil {
		file.Close()
		return err
	}
	for _, row := range rows {
		pr := toParquet(row)
		record := []string{pr.Asset, pr.Underlying, pr.Account, pr.Balance, pr.Free, pr.Locked, pr.Principal, pr.Yield, pr.SnapshotAt}
		if err := w.Write(record); err != nil {
			file.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Export writes the parquet and CSV reports for rows into dir using a
// timestamped base name, returning both paths.
func Export(dir string, rows []Row, now time.Time) (string, string, error) {
	base := filepath.Join(dir, "yield-"+now.UTC().Format("20060102T150405Z"))
	parquetPath := base + ".parquet"
	if err := WriteYieldReport(parquetPath, rows); err != nil {
		return "", "", err
	}
	csvPath := base + ".csv"
	if err := WriteYieldCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	return parquetPath, csvPath, nil
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
