package utils

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"thresholdBot/internal/domain"
)

var tradeHeader = []string{"id", "timestamp", "side", "status", "price", "amount", "requested_amount", "profit", "reason", "client_order_id", "exchange_order_id"}

// WriteTradesCSV writes records as CSV, one row per trade in the given order.
func WriteTradesCSV(w io.Writer, records []*domain.TradeRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(tradeHeader); err != nil {
		return err
	}
	for _, r := range records {
		err := writer.Write([]string{
			strconv.FormatInt(r.ID, 10),
			r.Timestamp.UTC().Format(time.RFC3339),
			string(r.Side),
			string(r.Status),
			strconv.FormatFloat(r.Price, 'f', -1, 64),
			strconv.FormatFloat(r.Amount, 'f', -1, 64),
			strconv.FormatFloat(r.RequestedAmount, 'f', -1, 64),
			strconv.FormatFloat(r.Profit, 'f', -1, 64),
			r.Reason,
			r.ClientOrderID,
			r.ExchangeOrderID,
		})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTradesToCSV writes records to filename, creating parent directories.
func WriteTradesToCSV(records []*domain.TradeRecord, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteTradesCSV(file, records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
